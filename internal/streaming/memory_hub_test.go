package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Notification) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_NotifySubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	n := Notification{
		ExecutionID: "exec-1",
		UserID:      "u-1",
		Status:      schema.NotifyStepCompleted,
		StepID:      "fetch",
		Data:        map[string]any{"output": "ok"},
	}
	require.NoError(t, hub.Notify(ctx, n))

	got := receive(t, ch)
	assert.Equal(t, n, got)
}

func TestMemoryHub_FilterByExecution(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Notify(ctx, Notification{ExecutionID: "exec-1", Status: schema.NotifyRunning}))
	require.NoError(t, hub.Notify(ctx, Notification{ExecutionID: "exec-2", Status: schema.NotifyRunning}))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertEmpty(t, ch)
}

func TestMemoryHub_FilterByStatusAndUser(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		UserID:   "u-1",
		Statuses: []string{schema.NotifyCompleted, schema.NotifyFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Notify(ctx, Notification{UserID: "u-1", Status: schema.NotifyRunning}))
	require.NoError(t, hub.Notify(ctx, Notification{UserID: "u-2", Status: schema.NotifyCompleted}))
	require.NoError(t, hub.Notify(ctx, Notification{UserID: "u-1", Status: schema.NotifyFailed}))

	assert.Equal(t, schema.NotifyFailed, receive(t, ch).Status)
	assertEmpty(t, ch)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Notify(ctx, Notification{ExecutionID: "x"}))
}

func TestMemoryHub_DropsWhenFull(t *testing.T) {
	hub := NewMemoryHub(1)
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Notify(ctx, Notification{Status: "a"}))
	require.NoError(t, hub.Notify(ctx, Notification{Status: "b"}))
	assert.Equal(t, uint64(1), hub.Dropped())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Notify(ctx, Notification{}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
}

func TestMemoryHub_ConcurrentNotify(t *testing.T) {
	hub := NewMemoryHub(1000)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Notify(ctx, Notification{Status: schema.NotifyStepRunning})
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 100)
}

func TestFanout_JoinsErrors(t *testing.T) {
	var calls []string
	ok := NotifierFunc(func(_ context.Context, n Notification) error {
		calls = append(calls, "ok:"+n.Status)
		return nil
	})
	bad := NotifierFunc(func(context.Context, Notification) error {
		calls = append(calls, "bad")
		return errors.New("transport down")
	})

	err := Fanout{bad, ok}.Notify(context.Background(), Notification{Status: schema.NotifyPaused})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport down")
	assert.Equal(t, []string{"bad", "ok:PAUSED"}, calls)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Notify(context.Background(), Notification{}))
}
