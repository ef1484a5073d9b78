package testutil

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner records every command and answers from a script keyed by the
// command name. Unknown commands succeed with empty output.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []string
	Outputs map[string]string
	Errs    map[string]error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs: make(map[string]string),
		Errs:    make(map[string]error),
	}
}

func (r *FakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if err := r.Errs[name]; err != nil {
		return "", err
	}
	return r.Outputs[name], nil
}

// Calls snapshots the recorded command lines.
func (r *FakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CalledWith reports whether any recorded command line starts with prefix.
func (r *FakeRunner) CalledWith(prefix string) bool {
	for _, call := range r.Calls() {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}
