// Package pstate holds the per-program state namespace and state machine.
// State is modelled as a tagged variant — Builtin or
// User — rather than a bare string, so that callers can never accidentally
// treat a user-defined name as one of the reserved built-ins (or vice
// versa) by a string typo.
package pstate

import "fmt"

// Kind distinguishes the two state namespaces sharing the same program.
type Kind int

const (
	Builtin Kind = iota
	User
)

// State is a single point in a program's lifetime: either one of the
// reserved built-in states, or a name declared in that program's
// log_states/file_states.
type State struct {
	Kind Kind
	Name string
}

// Built-in states. Reserved: a program's log_states/file_states
// may not declare any of these names.
var (
	Initialized    = State{Builtin, "initialized"}
	Started        = State{Builtin, "started"}
	ActionSuccess  = State{Builtin, "action_success"}
	ActionFailure  = State{Builtin, "action_failure"}
	ServiceFailure = State{Builtin, "service_failure"}
	Stopped        = State{Builtin, "stopped"}
	Final          = State{Builtin, "final"}
)

var builtins = []State{Initialized, Started, ActionSuccess, ActionFailure, ServiceFailure, Stopped, Final}

// IsReservedName reports whether name collides with a built-in state name.
func IsReservedName(name string) bool {
	for _, b := range builtins {
		if b.Name == name {
			return true
		}
	}
	return false
}

// UserState constructs a State in the user-defined namespace.
func UserState(name string) State { return State{User, name} }

// IsTerminalClassification reports whether s is one of the four terminal
// classifications that precede `final`.
func IsTerminalClassification(s State) bool {
	switch s {
	case ActionSuccess, ActionFailure, ServiceFailure, Stopped:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	if s.Kind == Builtin {
		return s.Name
	}
	return fmt.Sprintf("user(%s)", s.Name)
}

// ProgramKind is the `kind` attribute of a Program: action or
// service. It governs exit-disposition classification.
type ProgramKind int

const (
	KindAction ProgramKind = iota
	KindService
)

func (k ProgramKind) String() string {
	if k == KindService {
		return "service"
	}
	return "action"
}

// ParseProgramKind parses the `type` config field. Empty string defaults to
// action ("kind ∈ {action, service}. Default: action.").
func ParseProgramKind(s string) (ProgramKind, error) {
	switch s {
	case "", "action":
		return KindAction, nil
	case "service":
		return KindService, nil
	default:
		return 0, fmt.Errorf("unknown program kind %q (want %q or %q)", s, "action", "service")
	}
}

// Disposition is the exit event a Process Supervisor reports to a Program
// FSM. Exactly one of the following holds:
//   - SpawnFailed is true (the command never ran)
//   - Signaled is true and Signal names the terminating signal
//   - neither, and Code is the process's exit code
type Disposition struct {
	SpawnFailed bool
	Signaled    bool
	Signal      string
	Code        int
}
