// Package config reads and validates the YAML configuration document
// that drives a Shepherd run. Everything downstream treats a
// config.Graph as already-validated input.
package config

// Document is the top-level YAML shape.
type Document struct {
	Tasks           map[string]Program `yaml:"tasks"`
	Services        map[string]Program `yaml:"services"` // synonym for tasks
	Output          Output             `yaml:"output"`
	StopSignal      string             `yaml:"stop_signal"`
	MaxRunTime      *float64           `yaml:"max_run_time"` // seconds; nil = infinite
	SuccessCriteria *Predicate         `yaml:"success_criteria"`
}

// Output configures the artifact and Shepherd's own aggregate logs.
type Output struct {
	StateTimes string `yaml:"state_times"`
	Stdout     string `yaml:"stdout"`
	Stderr     string `yaml:"stderr"`
}

// Program is one program record.
type Program struct {
	Type       string     `yaml:"type"`
	Command    string     `yaml:"command"`
	StdoutPath string     `yaml:"stdout_path"`
	StderrPath string     `yaml:"stderr_path"`
	MonitorLog *bool      `yaml:"monitor_log"`
	State      State      `yaml:"state"`
	Dependency Dependency `yaml:"dependency"`
}

func (p Program) monitorLog() bool {
	if p.MonitorLog == nil {
		return true
	}
	return *p.MonitorLog
}

// State is the `state` config block: log-based and/or file-based pattern
// sources.
type State struct {
	Log  map[string]string `yaml:"log"`
	File *FileState        `yaml:"file"`
}

// FileState matches a file's appended content against patterns.
type FileState struct {
	Path   string            `yaml:"path"`
	States map[string]string `yaml:"states"`
}

// Dependency is the `dependency` config block.
type Dependency struct {
	Mode  string            `yaml:"mode"` // all|any; default all
	Items map[string]string `yaml:"items"`
}

// Predicate is the shape shared by dependency and success_criteria: a
// mode over a set of (peer, required state) pairs.
type Predicate struct {
	Mode  string            `yaml:"mode"`
	Items map[string]string `yaml:"items"`
}

const (
	ModeAll = "all"
	ModeAny = "any"
)

func normalizeMode(mode string) (string, error) {
	switch mode {
	case "":
		return ModeAll, nil
	case ModeAll, ModeAny:
		return mode, nil
	default:
		return "", errf("", "mode", "must be %q or %q, got %q", ModeAll, ModeAny, mode)
	}
}
