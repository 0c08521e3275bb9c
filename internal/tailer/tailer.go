// Package tailer implements the Log Tailer: for each program,
// follow stdout/stderr and an optional state file, match configured
// substrings, and emit each matched state at most once.
//
// The follow loop (fsnotify watch with a polling fallback, wait for the
// file to exist, read appended bytes, scan complete lines) is adapted
// from the retrieved zmux-server log pipeline
// (internal/infrastructure/processmgr/process.go's handleStdout/
// handleStderr), generalized from "read a live pipe" to "follow a file
// path from either its current end or its beginning" since Shepherd's
// Supervisor redirects streams straight to disk rather than handing the
// Tailer a live pipe.
package tailer

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// pollInterval is the polling-fallback cadence when fsnotify cannot be
// set up (e.g. the directory does not exist yet) or delivers nothing.
const pollInterval = 200 * time.Millisecond

// Hit is reported the first time a configured pattern matches.
type Hit struct {
	State string
}

// Source is one followed path and the patterns matched against its
// lines. FromStart controls whether the tailer begins at byte 0
// (file_states follows from the beginning) or seeks to the current end
// (stdout/stderr: only new output after the tailer attaches is relevant).
type Source struct {
	Path      string
	Patterns  map[string]string // state name -> substring
	FromStart bool
}

// Tailer follows zero or more Sources for a single program and reports
// each state at most once per Source via onHit; Sources that share a
// pattern (stdout and stderr) can each report the same state once. onHit
// must not block.
type Tailer struct {
	log   *zap.Logger
	onHit func(Hit)
}

// New constructs a Tailer for one program.
func New(log *zap.Logger, programName string, onHit func(Hit)) *Tailer {
	return &Tailer{
		log:   log.Named("tailer").With(zap.String("program", programName)),
		onHit: onHit,
	}
}

// Run follows every source concurrently until ctx is cancelled. It
// returns once all sources have stopped draining.
func (t *Tailer) Run(ctx context.Context, sources []Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		if len(src.Patterns) == 0 {
			continue
		}
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.follow(ctx, src)
		}()
	}
	wg.Wait()
}

// follow waits for src.Path to exist, then streams lines from it,
// matching src.Patterns against each line, at-most-once per state.
// A read error ends this source's scanner only.
func (t *Tailer) follow(ctx context.Context, src Source) {
	f, ok := t.waitForFile(ctx, src.Path)
	if !ok {
		return // shut down before the file ever appeared; not an error
	}
	defer f.Close()

	if !src.FromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			t.log.Warn("seek to end failed", zap.String("path", src.Path), zap.Error(err))
		}
	}

	remaining := make(map[string]string, len(src.Patterns))
	for state, pattern := range src.Patterns {
		remaining[state] = pattern
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(src.Path)
	}

	var pending []byte
	chunk := make([]byte, 64*1024)

	for len(remaining) > 0 {
		n, err := f.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				t.scan(line, remaining)
			}
			continue // try to read more before waiting; Read may return n>0 with EOF
		}
		if err != nil && err != io.EOF {
			t.log.Warn("read error, abandoning source", zap.String("path", src.Path), zap.Error(err))
			return
		}

		if !t.waitForGrowth(ctx, watcher) {
			return
		}
	}
}

func (t *Tailer) scan(line string, remaining map[string]string) {
	for state, pattern := range remaining {
		if strings.Contains(line, pattern) {
			delete(remaining, state)
			t.onHit(Hit{State: state})
		}
	}
}

// waitForGrowth blocks until the watched file likely has new bytes, ctx
// is cancelled, or the poll interval elapses. Returns false if ctx is
// done.
func (t *Tailer) waitForGrowth(ctx context.Context, watcher *fsnotify.Watcher) bool {
	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case _, ok := <-events:
		if !ok {
			return true
		}
		return true
	}
}

// waitForFile polls for src.Path to appear ("the path may not
// exist at startup; the tailer polls until it appears"). Returns
// (nil, false) if ctx is cancelled first.
func (t *Tailer) waitForFile(ctx context.Context, path string) (*os.File, bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if f, err := os.Open(path); err == nil {
			return f, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}
