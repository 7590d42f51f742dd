package cli

import (
	"errors"
	"fmt"
	"io"

	dErrors "studentvc/pkg/domain-errors"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotAccepted = 3
)

// ExitError ends the command with Code without printing anything further; the
// command has already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

type usageErr struct{ err error }

func (e usageErr) Error() string { return e.err.Error() }
func (e usageErr) Unwrap() error { return e.err }

func usageError(err error) error { return usageErr{err: err} }

func exitCode(err error, stderr io.Writer) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var usage usageErr
	if errors.As(err, &usage) {
		fmt.Fprintln(stderr, "vcctl:", err)
		return ExitUsage
	}

	msg := err.Error()
	if code := dErrors.CodeOf(err); code != dErrors.CodeInternal {
		msg = fmt.Sprintf("%s (%s)", dErrors.MessageOf(err), code)
	}
	fmt.Fprintln(stderr, "vcctl:", msg)
	return ExitFailure
}
