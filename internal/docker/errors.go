package docker

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTailLines is the number of output lines kept on ExternalToolError.
const DefaultTailLines = 20

// ExternalToolError reports a nonzero exit of the container tool.
type ExternalToolError struct {
	Command  string
	ExitCode int
	// Tail holds the last captured output lines, stderr after stdout.
	Tail []string
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ":\n  " + strings.Join(e.Tail, "\n  ")
	}
	return msg
}

// IsExternalToolError reports whether err is or wraps an ExternalToolError.
func IsExternalToolError(err error) bool {
	var target *ExternalToolError
	return errors.As(err, &target)
}

func newToolError(cmd Command, res Result) *ExternalToolError {
	return &ExternalToolError{
		Command:  cmd.String(),
		ExitCode: res.ExitCode,
		Tail:     TailLines(res.Stdout+"\n"+res.Stderr, DefaultTailLines),
	}
}

// TailLines returns the last n non-blank lines of text.
func TailLines(text string, n int) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
