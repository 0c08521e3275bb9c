package config

import "fmt"

// Error is a load-time configuration error: fatal, refuses to start,
// and reports its location. Program names the record the error was
// found in, when applicable; Field narrows further.
type Error struct {
	Program string
	Field   string
	Msg     string
}

func (e *Error) Error() string {
	switch {
	case e.Program != "" && e.Field != "":
		return fmt.Sprintf("config: %s: %s: %s", e.Program, e.Field, e.Msg)
	case e.Program != "":
		return fmt.Sprintf("config: %s: %s", e.Program, e.Msg)
	default:
		return fmt.Sprintf("config: %s", e.Msg)
	}
}

func errf(program, field, format string, args ...any) *Error {
	return &Error{Program: program, Field: field, Msg: fmt.Sprintf(format, args...)}
}
