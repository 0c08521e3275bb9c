package config

import (
	"time"

	"github.com/shepherdhq/shepherd/internal/pstate"
)

// Graph is the fully validated, path-resolved configuration: every program
// resolved, every relative path joined onto the run directory (so absolute
// only when that directory is), the dependency DAG checked acyclic.
// It is what internal/graph.Controller is built from.
type Graph struct {
	Programs        map[string]ResolvedProgram
	Names           []string // stable, sorted program names
	WorkDir         string
	StateTimesPath  string
	StdoutPath      string // Shepherd's own aggregate stdout, optional
	StderrPath      string // Shepherd's own aggregate stderr, optional
	StopSignalPath  string // optional
	MaxRunTime      time.Duration
	SuccessCriteria *ResolvedPredicate // optional
}

// ResolvedProgram is one program with paths resolved against --run-dir and
// its config validated against the rest of the graph.
type ResolvedProgram struct {
	Name       string
	Kind       pstate.ProgramKind
	Command    string
	StdoutPath string
	StderrPath string
	MonitorLog bool
	LogStates  map[string]string // state name -> substring, matched on stdout+stderr
	FileState  *ResolvedFileState
	Dependency ResolvedPredicate
}

// ResolvedFileState is Program.State.File after load-time validation.
type ResolvedFileState struct {
	Path   string
	States map[string]string
}

// ResolvedPredicate is a dependency or success_criteria predicate: a
// mode over a set of (peer program name -> required state name) pairs.
type ResolvedPredicate struct {
	Mode  string
	Items map[string]string
}

// ProducibleStates returns every state name p's own FSM could produce:
// the seven built-ins plus whatever it declares in log/file states.
func (p ResolvedProgram) ProducibleStates() map[string]bool {
	out := map[string]bool{
		pstate.Initialized.Name:    true,
		pstate.Started.Name:        true,
		pstate.ActionSuccess.Name:  true,
		pstate.ActionFailure.Name:  true,
		pstate.ServiceFailure.Name: true,
		pstate.Stopped.Name:        true,
		pstate.Final.Name:          true,
	}
	for name := range p.LogStates {
		out[name] = true
	}
	if p.FileState != nil {
		for name := range p.FileState.States {
			out[name] = true
		}
	}
	return out
}
