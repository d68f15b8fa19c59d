package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeCommand_ListsTools(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in, feed := io.Pipe()
	out := &syncBuffer{}
	app := newApp()
	app.Reader = in
	app.Writer = out
	app.ErrWriter = io.Discard

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx, []string{"stepflow", "--config", "", "--log-level", "error", "serve"})
	}()

	requests := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n") + "\n"
	go func() { _, _ = feed.Write([]byte(requests)) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "stepflow.run")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "stepflow.diagram")

	cancel()
	_ = feed.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
