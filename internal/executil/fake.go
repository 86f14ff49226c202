package executil

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner records invocations instead of executing them. Tests can fail
// selected commands or provide canned output.
type FakeRunner struct {
	mu sync.Mutex

	// Calls holds every command line seen, in order.
	Calls []string
	// Fail maps a command line to the error Run/Output should return.
	Fail map[string]error
	// Outputs maps a command line to canned stdout for Output.
	Outputs map[string]string
	// OnRun, when set, is invoked for every command; it can create the
	// files a real command would have produced.
	OnRun func(dir, name string, args []string) error
}

func (r *FakeRunner) Run(_ context.Context, dir string, name string, args ...string) error {
	return r.record(dir, name, args)
}

func (r *FakeRunner) Output(_ context.Context, dir string, name string, args ...string) (string, error) {
	if err := r.record(dir, name, args); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Outputs[CommandLine(name, args...)], nil
}

func (r *FakeRunner) record(dir, name string, args []string) error {
	line := CommandLine(name, args...)

	r.mu.Lock()
	r.Calls = append(r.Calls, line)
	err := r.Fail[line]
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if r.OnRun != nil {
		return r.OnRun(dir, name, args)
	}
	return nil
}

// CalledWith reports whether any recorded command line contains fragment.
func (r *FakeRunner) CalledWith(fragment string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.Calls {
		if strings.Contains(call, fragment) {
			return true
		}
	}
	return false
}
