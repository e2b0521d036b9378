package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/runbox/internal/sandbox"
	"github.com/nextlevelbuilder/runbox/internal/session"
	"github.com/nextlevelbuilder/runbox/internal/transcript"
)

// dispatchStreaming runs the dispatch while a second goroutine polls
// the workspace event log and feeds classified events to the sink.
// The event log is removed when the call finishes; it is per-call
// scratch, not session state.
func (e *Engine) dispatchStreaming(ctx context.Context, backend sandbox.Backend, bd *sandbox.Boundary, w io.Writer, sess *session.Session, sink Sink) (int, error) {
	logPath := filepath.Join(sess.Workspace(), session.StateDirName, eventLog)
	defer os.Remove(logPath)

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	var g errgroup.Group
	var exit int
	var derr error
	g.Go(func() error {
		exit, derr = backend.Dispatch(ctx, bd, w, w)
		stopPoll()
		return nil
	})
	g.Go(func() error {
		pollEventLog(pollCtx, logPath, e.cfg.Stream.EventPollMs, sink)
		return nil
	})
	_ = g.Wait()
	return exit, derr
}

// pollEventLog reads the event log on a fixed interval, classifying
// each complete new line. The interval is deliberately independent of
// the primary output stream; the two channels interleave best-effort.
// An fsnotify watch on the parent directory only shortens the wait for
// the log's creation, it does not drive the reads.
func pollEventLog(ctx context.Context, path string, pollMs int, sink Sink) {
	if pollMs <= 0 {
		pollMs = 500
	}

	var fsEvents chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			fsEvents = watcher.Events
		}
	} else {
		slog.Debug("fsnotify unavailable, polling only", "error", err)
	}

	var offset int64
	var partial string

	drain := func(flushPartial bool) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return
		}
		offset += int64(len(data))
		partial += string(data)

		for {
			idx := strings.IndexByte(partial, '\n')
			if idx < 0 {
				break
			}
			line := partial[:idx]
			partial = partial[idx+1:]
			if strings.TrimSpace(line) != "" {
				sink.Event(transcript.ClassifyLine(line))
			}
		}
		if flushPartial && strings.TrimSpace(partial) != "" {
			sink.Event(transcript.ClassifyLine(partial))
			partial = ""
		}
	}

	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drain(true)
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				drain(false)
			}
		case <-ticker.C:
			drain(false)
		}
	}
}
