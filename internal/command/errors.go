package command

import (
	"fmt"
	"strings"
)

// TransportError means the command never got a usable reply: the target was
// unreachable, timed out, answered with a bad status or with garbage.
type TransportError struct {
	Target string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExecutionError means the receiver ran the command and reported FAILED.
type ExecutionError struct {
	Target  string
	Command string
	Class   string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %s failed on %s: %s: %s", e.Command, e.Target, e.Class, e.Message)
}

// RejectedError is returned by the receiver for commands it refuses to run.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Class names the error kind for the exception_class reply field.
func Class(err error) string {
	if c, ok := err.(interface{ Class() string }); ok {
		return c.Class()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
