package config

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/shepherdhq/shepherd/internal/pstate"
)

// build merges, resolves and validates a decoded Document into a Graph.
// Any problem found here is fatal: refuse to start and report the
// offending program/field. runDir resolves relative program/output/
// stop-signal paths; workDir becomes the spawned children's working
// directory.
func build(doc *Document, runDir, workDir string) (*Graph, error) {
	merged, err := mergePrograms(doc)
	if err != nil {
		return nil, err
	}

	if doc.Output.StateTimes == "" {
		return nil, errf("", "output.state_times", "required")
	}

	g := &Graph{
		Programs:       make(map[string]ResolvedProgram, len(merged)),
		WorkDir:        workDir,
		StateTimesPath: resolvePath(runDir, doc.Output.StateTimes),
	}
	if doc.Output.Stdout != "" {
		g.StdoutPath = resolvePath(runDir, doc.Output.Stdout)
	}
	if doc.Output.Stderr != "" {
		g.StderrPath = resolvePath(runDir, doc.Output.Stderr)
	}
	if doc.StopSignal != "" {
		g.StopSignalPath = resolvePath(runDir, doc.StopSignal)
	}
	if doc.MaxRunTime != nil {
		if *doc.MaxRunTime < 0 {
			return nil, errf("", "max_run_time", "must be >= 0")
		}
		g.MaxRunTime = time.Duration(*doc.MaxRunTime * float64(time.Second))
	}

	for name, p := range merged {
		rp, err := resolveProgram(name, p, runDir)
		if err != nil {
			return nil, err
		}
		g.Programs[name] = rp
	}

	// Names must be populated before any validator that ranges over it.
	g.Names = make([]string, 0, len(g.Programs))
	for name := range g.Programs {
		g.Names = append(g.Names, name)
	}
	sort.Strings(g.Names)

	if err := validateLogPathUniqueness(g); err != nil {
		return nil, err
	}
	if err := validateDependencies(g); err != nil {
		return nil, err
	}
	if err := validateAcyclic(g); err != nil {
		return nil, err
	}

	if doc.SuccessCriteria != nil {
		rp, err := resolvePredicate(*doc.SuccessCriteria)
		if err != nil {
			return nil, errf("", "success_criteria", "%s", err)
		}
		if err := validatePredicateRefs(g, "success_criteria", rp); err != nil {
			return nil, err
		}
		g.SuccessCriteria = &rp
	}

	return g, nil
}

// mergePrograms implements the `tasks`/`services` synonym: `services` is
// accepted anywhere `tasks` is. Defining the same name in both is a
// configuration error, not a silent override.
func mergePrograms(doc *Document) (map[string]Program, error) {
	out := make(map[string]Program, len(doc.Tasks)+len(doc.Services))
	for name, p := range doc.Tasks {
		out[name] = p
	}
	for name, p := range doc.Services {
		if _, ok := out[name]; ok {
			return nil, errf(name, "", "defined in both \"tasks\" and \"services\"")
		}
		out[name] = p
	}
	return out, nil
}

func resolvePath(runDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(runDir, p)
}

func resolveProgram(name string, p Program, runDir string) (ResolvedProgram, error) {
	kind, err := pstate.ParseProgramKind(p.Type)
	if err != nil {
		return ResolvedProgram{}, errf(name, "type", "%s", err)
	}
	if p.Command == "" {
		return ResolvedProgram{}, errf(name, "command", "required")
	}
	if p.StdoutPath == "" {
		return ResolvedProgram{}, errf(name, "stdout_path", "required")
	}
	if p.StderrPath == "" {
		return ResolvedProgram{}, errf(name, "stderr_path", "required")
	}

	seen := make(map[string]string) // state name -> source field, for intra-program dup detection
	logStates := make(map[string]string, len(p.State.Log))
	for state, pattern := range p.State.Log {
		if pstate.IsReservedName(state) {
			return ResolvedProgram{}, errf(name, "state.log", "state name %q is reserved", state)
		}
		if pattern == "" {
			return ResolvedProgram{}, errf(name, "state.log."+state, "pattern must not be empty")
		}
		seen[state] = "state.log"
		logStates[state] = pattern
	}

	var fileState *ResolvedFileState
	if p.State.File != nil {
		fs := *p.State.File
		if fs.Path == "" {
			return ResolvedProgram{}, errf(name, "state.file.path", "required when state.file is set")
		}
		if len(fs.States) == 0 {
			return ResolvedProgram{}, errf(name, "state.file.states", "required and must be non-empty when state.file is set")
		}
		states := make(map[string]string, len(fs.States))
		for state, pattern := range fs.States {
			if pstate.IsReservedName(state) {
				return ResolvedProgram{}, errf(name, "state.file.states", "state name %q is reserved", state)
			}
			if other, dup := seen[state]; dup {
				return ResolvedProgram{}, errf(name, "state.file.states", "state name %q already declared in %s", state, other)
			}
			if pattern == "" {
				return ResolvedProgram{}, errf(name, "state.file.states."+state, "pattern must not be empty")
			}
			seen[state] = "state.file.states"
			states[state] = pattern
		}
		fileState = &ResolvedFileState{Path: resolvePath(runDir, fs.Path), States: states}
	}

	dep, err := resolvePredicate(Predicate(p.Dependency))
	if err != nil {
		return ResolvedProgram{}, errf(name, "dependency", "%s", err)
	}

	return ResolvedProgram{
		Name:       name,
		Kind:       kind,
		Command:    p.Command,
		StdoutPath: resolvePath(runDir, p.StdoutPath),
		StderrPath: resolvePath(runDir, p.StderrPath),
		MonitorLog: p.monitorLog(),
		LogStates:  logStates,
		FileState:  fileState,
		Dependency: dep,
	}, nil
}

func resolvePredicate(p Predicate) (ResolvedPredicate, error) {
	mode, err := normalizeMode(p.Mode)
	if err != nil {
		return ResolvedPredicate{}, err
	}
	items := p.Items
	if items == nil {
		items = map[string]string{}
	}
	return ResolvedPredicate{Mode: mode, Items: items}, nil
}

// validateLogPathUniqueness rejects any two programs configured to write
// to the same stdout/stderr/file_states path.
func validateLogPathUniqueness(g *Graph) error {
	owner := make(map[string]string)
	claim := func(path, program string) error {
		if path == "" {
			return nil
		}
		if existing, ok := owner[path]; ok && existing != program {
			return errf(program, "", "path %q already configured for program %q", path, existing)
		}
		owner[path] = program
		return nil
	}
	for _, name := range sortedKeys(g.Programs) {
		p := g.Programs[name]
		if err := claim(p.StdoutPath, name); err != nil {
			return err
		}
		if err := claim(p.StderrPath, name); err != nil {
			return err
		}
		if p.FileState != nil {
			if err := claim(p.FileState.Path, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateDependencies checks every dependency peer reference resolves to a
// real program and a state that program could actually produce, and
// rejects self-dependencies. Unknown references are rejected at load;
// success_criteria references are checked separately by build.
func validateDependencies(g *Graph) error {
	for _, name := range g.Names {
		p := g.Programs[name]
		if err := validatePredicateRefs(g, name, p.Dependency); err != nil {
			return err
		}
		for peer := range p.Dependency.Items {
			if peer == name {
				return errf(name, "dependency.items", "a program cannot depend on itself")
			}
		}
	}
	return nil
}

func validatePredicateRefs(g *Graph, owner string, pred ResolvedPredicate) error {
	for peer, state := range pred.Items {
		peerCfg, ok := g.Programs[peer]
		if !ok {
			return errf(owner, "dependency.items", "unknown peer %q", peer)
		}
		if !peerCfg.ProducibleStates()[state] {
			return errf(owner, "dependency.items", "peer %q can never produce state %q", peer, state)
		}
	}
	return nil
}

// validateAcyclic rejects dependency cycles via Kahn's algorithm: an
// edge peer->program exists whenever program depends on peer, since peer
// must reach its required state before program can start.
func validateAcyclic(g *Graph) error {
	indegree := make(map[string]int, len(g.Programs))
	adj := make(map[string][]string, len(g.Programs))
	for name := range g.Programs {
		indegree[name] = 0
	}
	for _, name := range g.Names {
		for peer := range g.Programs[name].Dependency.Items {
			adj[peer] = append(adj[peer], name)
			indegree[name]++
		}
	}

	queue := make([]string, 0, len(g.Names))
	for _, name := range g.Names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string(nil), adj[n]...)
		sort.Strings(next)
		for _, m := range next {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if visited != len(g.Names) {
		for _, name := range g.Names {
			if indegree[name] > 0 {
				return errf(name, "dependency", "dependency graph contains a cycle")
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]ResolvedProgram) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
