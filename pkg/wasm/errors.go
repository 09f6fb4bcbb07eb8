package wasm

import (
	"errors"
	"fmt"
)

// CompileError is the single domain error of the compiler. Line is the source
// line number of the Java code that could not be translated, or 0 if unknown.
type CompileError struct {
	Message string
	Line    int
	cause   error
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d", e.Message, e.Line)
	}
	return e.Message
}

func (e *CompileError) Unwrap() error {
	return e.cause
}

// Errorf creates a CompileError with a formatted message.
func Errorf(line int, format string, args ...interface{}) *CompileError {
	return &CompileError{Message: fmt.Sprintf(format, args...), Line: line}
}

// Wrap attaches a line number to an error. An inner CompileError that already
// carries a line number wins; any other error is wrapped exactly once.
func Wrap(err error, line int) error {
	if err == nil {
		return nil
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		if ce.Line == 0 {
			ce.Line = line
		}
		return err
	}
	return &CompileError{Message: err.Error(), Line: line, cause: err}
}
