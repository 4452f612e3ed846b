package docker

import (
	"context"
	"strings"
)

type fakeRunner struct {
	calls   []Command
	results map[string]Result
	err     error
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) (Result, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return Result{}, f.err
	}
	line := cmd.String()
	for prefix, res := range f.results {
		if strings.Contains(line, prefix) {
			return res, nil
		}
	}
	return Result{}, nil
}
