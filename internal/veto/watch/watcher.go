// Package watch produces a stream of newly appended lines from a log file.
// Each watcher backfills the existing file contents, then follows appends
// via filesystem notifications with a polling fallback, surviving rotation
// by rename, truncation, or delete-and-recreate.
package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vetod/veto/internal/veto/common/log"
)

// ErrWatcherInit indicates the watched file could not be opened or the
// notification watch could not be established at startup.
var ErrWatcherInit = errors.New("watcher init failed")

// Line is one complete log line attributed to a rule.
type Line struct {
	Rule string
	Text string
}

const (
	defaultPollInterval = time.Second
	readRetryBackoff    = 250 * time.Millisecond
	readBufSize         = 64 * 1024
)

// Watcher follows one file for one rule.
type Watcher struct {
	rule string
	path string
	log  log.Logger

	pollInterval time.Duration

	file    *os.File
	info    os.FileInfo
	offset  int64
	pending []byte
	buf     []byte
}

// New opens path for the named rule. A file that cannot be opened at
// startup is fatal for the whole process.
func New(rule, path string, logger log.Logger) (*Watcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrWatcherInit, rule, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: rule %s: %v", ErrWatcherInit, rule, err)
	}
	return &Watcher{
		rule:         rule,
		path:         path,
		log:          logger,
		pollInterval: defaultPollInterval,
		file:         f,
		info:         info,
		buf:          make([]byte, readBufSize),
	}, nil
}

// Run streams the file into out until ctx is cancelled. It first emits
// every existing line (backfill), then follows appends. An incomplete
// trailing line is buffered until its newline arrives and discarded at
// shutdown.
func (w *Watcher) Run(ctx context.Context, out chan<- Line) error {
	defer w.closeFile()

	if err := w.consume(ctx, out); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrWatcherInit, w.rule, err)
	}
	defer fsw.Close()

	// Watching the directory catches rotation (rename, recreate); the
	// direct watch delivers writes with less latency while the file
	// exists.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrWatcherInit, w.rule, err)
	}
	_ = fsw.Add(w.path)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if err := w.sync(ctx, out); err != nil {
				return err
			}
			if ev.Op.Has(fsnotify.Create) {
				_ = fsw.Add(w.path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(map[string]any{"rule": w.rule, "error": err}, "filesystem watch error")
		case <-ticker.C:
			if err := w.sync(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return ev.Name == w.path
}

// sync reconciles the open handle with the path and reads forward. A
// shrunken file or a different identity at the path restarts from byte 0;
// a vanished file keeps the watcher alive waiting for recreation.
func (w *Watcher) sync(ctx context.Context, out chan<- Line) error {
	st, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.closeFile()
			return nil
		}
		w.log.Warn(map[string]any{"rule": w.rule, "error": err}, "stat failed, will retry")
		return nil
	}

	if w.file == nil || !os.SameFile(st, w.info) || st.Size() < w.offset {
		if err := w.reopen(); err != nil {
			w.log.Warn(map[string]any{"rule": w.rule, "error": err}, "reopen failed, will retry")
			return nil
		}
	}

	return w.consume(ctx, out)
}

func (w *Watcher) reopen() error {
	w.closeFile()

	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.info = info
	w.offset = 0
	w.pending = w.pending[:0]
	return nil
}

func (w *Watcher) closeFile() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

// consume reads from the current offset to EOF, emitting each complete
// line. Transient read errors are logged and retried on the next event or
// tick after a short backoff.
func (w *Watcher) consume(ctx context.Context, out chan<- Line) error {
	if w.file == nil {
		return nil
	}
	for {
		n, err := w.file.Read(w.buf)
		if n > 0 {
			w.offset += int64(n)
			w.pending = append(w.pending, w.buf[:n]...)
			if err := w.emitLines(ctx, out); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			w.log.Warn(map[string]any{"rule": w.rule, "error": err}, "read failed, backing off")
			select {
			case <-time.After(readRetryBackoff):
			case <-ctx.Done():
				return nil
			}
			return nil
		}
	}
}

func (w *Watcher) emitLines(ctx context.Context, out chan<- Line) error {
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			return nil
		}
		text := string(bytes.TrimSuffix(w.pending[:i], []byte{'\r'}))
		w.pending = w.pending[i+1:]

		select {
		case out <- Line{Rule: w.rule, Text: text}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Backfill reads every complete line currently in path, calling emit for
// each. It is the initial-read half of a watcher, used by analyze mode. A
// trailing line without a newline is ignored.
func Backfill(path string, emit func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherInit, err)
	}
	defer f.Close()

	var pending []byte
	buf := make([]byte, readBufSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := string(bytes.TrimSuffix(pending[:i], []byte{'\r'}))
				pending = pending[i+1:]
				if err := emit(line); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
