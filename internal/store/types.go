package store

import (
	"slices"
	"sort"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExecutionState is the persisted record of one workflow execution.
type ExecutionState struct {
	ExecutionID      string                    `json:"execution_id"`
	WorkflowID       string                    `json:"workflow_id"`
	UserID           string                    `json:"user_id,omitempty"`
	Status           schema.ExecutionStatus    `json:"status"`
	InputData        map[string]any            `json:"input_data"`
	Inputs           map[string]any            `json:"inputs"`
	Outputs          map[string]map[string]any `json:"outputs"`
	OutputOrder      []string                  `json:"output_order"`
	PausedStep       string                    `json:"paused_step,omitempty"`
	MissingReference string                    `json:"missing_reference,omitempty"`
	Error            string                    `json:"error,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// NewExecution holds the fields needed to create an execution record.
// The record starts in PENDING.
type NewExecution struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	InputData   map[string]any
}

// ExecutionUpdate describes a partial update. Nil fields are left unchanged.
type ExecutionUpdate struct {
	// IfStatus, when non-empty, requires the current status to be one of
	// the listed values. Otherwise the update fails with CONFLICT.
	IfStatus []schema.ExecutionStatus

	Status *schema.ExecutionStatus

	// OutputsPatch adds step outputs. Replacing an existing entry is a CONFLICT.
	OutputsPatch map[string]map[string]any
	// InputsPatch merges values into the resume-input namespace.
	InputsPatch map[string]any

	PausedStep       *string
	MissingReference *string
	Error            *string
}

// ExecutionFilter narrows List results.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Status     schema.ExecutionStatus
	Limit      int
}

func (f ExecutionFilter) matches(s *ExecutionState) bool {
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

func newState(exec NewExecution, now time.Time) *ExecutionState {
	return &ExecutionState{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Status:      schema.StatusPending,
		InputData:   cloneMap(exec.InputData),
		Inputs:      map[string]any{},
		Outputs:     map[string]map[string]any{},
		OutputOrder: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// apply validates the update against s and then mutates s. Nothing changes
// when validation fails. It returns the step ids appended, in order.
func (s *ExecutionState) apply(u ExecutionUpdate, now time.Time) ([]string, error) {
	if len(u.IfStatus) > 0 && !slices.Contains(u.IfStatus, s.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is %s, expected one of %v", s.ExecutionID, s.Status, u.IfStatus).
			WithDetails(map[string]any{"status": string(s.Status)})
	}

	added := make([]string, 0, len(u.OutputsPatch))
	for stepID := range u.OutputsPatch {
		if _, exists := s.Outputs[stepID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"output for step %q already recorded", stepID).WithStep(stepID)
		}
		added = append(added, stepID)
	}
	sort.Strings(added)

	if u.Status != nil {
		s.Status = *u.Status
	}
	if s.Outputs == nil {
		s.Outputs = map[string]map[string]any{}
	}
	for _, stepID := range added {
		out := cloneMap(u.OutputsPatch[stepID])
		if out == nil {
			out = map[string]any{}
		}
		s.Outputs[stepID] = out
		s.OutputOrder = append(s.OutputOrder, stepID)
	}
	if len(u.InputsPatch) > 0 {
		if s.Inputs == nil {
			s.Inputs = map[string]any{}
		}
		for k, v := range u.InputsPatch {
			s.Inputs[k] = cloneValue(v)
		}
	}
	if u.PausedStep != nil {
		s.PausedStep = *u.PausedStep
	}
	if u.MissingReference != nil {
		s.MissingReference = *u.MissingReference
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	s.UpdatedAt = now
	return added, nil
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.InputData = cloneMap(s.InputData)
	c.Inputs = cloneMap(s.Inputs)
	c.Outputs = make(map[string]map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		c.Outputs[k] = cloneMap(v)
	}
	c.OutputOrder = slices.Clone(s.OutputOrder)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

func storeNotFound(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}

func storeExists(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", id)
}
