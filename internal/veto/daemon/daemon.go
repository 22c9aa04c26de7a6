// Package daemon wires the detection and blocking pipeline together: one
// watcher per rule feeds a matcher stage, matches flow into the blocklist,
// and blocklist events drive the firewall adapter. A dedicated expirer
// unblocks addresses when their deadline passes.
package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vetod/veto/internal/veto/blocklist"
	"github.com/vetod/veto/internal/veto/common/clock"
	"github.com/vetod/veto/internal/veto/common/log"
	"github.com/vetod/veto/internal/veto/config"
	"github.com/vetod/veto/internal/veto/firewall"
	"github.com/vetod/veto/internal/veto/journal"
	"github.com/vetod/veto/internal/veto/match"
	"github.com/vetod/veto/internal/veto/watch"
)

// ErrShutdownIncomplete indicates the drain watchdog fired before every
// stage exited. The snapshot is still written from the last consistent
// state.
var ErrShutdownIncomplete = errors.New("shutdown incomplete")

const (
	// SnapshotFile is the blocklist snapshot name under the state directory.
	SnapshotFile = "blocklist.bin"
	// LockFile is the advisory lock name under the state directory.
	LockFile = "veto.lock"
	// JournalFile is the event journal name under the state directory.
	JournalFile = "journal.db"

	lineBuffer      = 1024
	eventBuffer     = 256
	shutdownTimeout = 10 * time.Second

	// idleWait bounds the expirer's sleep when no entry is pending.
	idleWait = time.Hour
)

// Daemon owns the pipeline for one configuration.
type Daemon struct {
	cfg      *config.Config
	fw       firewall.Firewall
	journal  *journal.Store
	clk      clock.Clock
	log      log.Logger
	list     *blocklist.Blocklist
	matchers map[string]*match.RuleMatcher
}

// New compiles the configured rules and prepares a Daemon. Filter and
// blacklist problems surface here, before anything touches the kernel.
func New(cfg *config.Config, fw firewall.Firewall, jnl *journal.Store, clk clock.Clock, logger log.Logger) (*Daemon, error) {
	matchers, err := BuildMatchers(cfg)
	if err != nil {
		return nil, err
	}
	list, err := blocklist.New(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		fw:       fw,
		journal:  jnl,
		clk:      clk,
		log:      logger,
		list:     list,
		matchers: matchers,
	}, nil
}

// BuildMatchers compiles every rule in the configuration. check-config
// uses this without constructing a Daemon.
func BuildMatchers(cfg *config.Config) (map[string]*match.RuleMatcher, error) {
	matchers := make(map[string]*match.RuleMatcher, len(cfg.Rules))
	for name, rule := range cfg.Rules {
		m, err := match.NewRuleMatcher(name, rule.Filters, rule.Blacklists)
		if err != nil {
			return nil, err
		}
		matchers[name] = m
	}
	return matchers, nil
}

// Run executes the pipeline until ctx is cancelled, then shuts down in
// order: watchers, matcher stage, expirer, snapshot, drain, firewall
// teardown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.StateDir, 0o755); err != nil {
		return err
	}
	lock, err := acquireLock(filepath.Join(d.cfg.StateDir, LockFile))
	if err != nil {
		return err
	}
	defer lock.Release()

	// Open every watched file before touching the firewall so a bad rule
	// path aborts without leaving kernel state behind.
	watchers := make([]*watch.Watcher, 0, len(d.cfg.Rules))
	for name, rule := range d.cfg.Rules {
		w, err := watch.New(name, rule.File, d.log)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
	}

	if err := d.fw.EnsureInitialized(); err != nil {
		return err
	}

	d.restoreSnapshot()

	lines := make(chan watch.Line, lineBuffer)
	events := make(chan blocklist.Event, eventBuffer)
	wake := make(chan struct{}, 1)

	watchCtx, stopWatchers := context.WithCancel(context.Background())
	defer stopWatchers()
	expireCtx, stopExpirer := context.WithCancel(context.Background())
	defer stopExpirer()

	var watcherWG, matcherWG, applierWG sync.WaitGroup

	for _, w := range watchers {
		watcherWG.Add(1)
		go func(w *watch.Watcher) {
			defer watcherWG.Done()
			if err := w.Run(watchCtx, lines); err != nil {
				d.log.Error(map[string]any{"error": err}, "watcher stopped")
			}
		}(w)
	}

	matcherWG.Add(1)
	go func() {
		defer matcherWG.Done()
		d.matchLoop(lines, events, wake)
	}()

	expirerDone := make(chan struct{})
	go func() {
		defer close(expirerDone)
		d.expireLoop(expireCtx, events, wake)
	}()

	applierWG.Add(1)
	go func() {
		defer applierWG.Done()
		for ev := range events {
			d.applyEvent(ev)
		}
	}()

	<-ctx.Done()
	d.log.Info(nil, "shutdown initiated")

	incomplete := false

	stopWatchers()
	if !waitTimeout(&watcherWG, shutdownTimeout) {
		d.log.Warn(nil, "watchers did not stop in time")
		incomplete = true
	}

	close(lines)
	if !waitTimeout(&matcherWG, shutdownTimeout) {
		d.log.Warn(nil, "matcher stage did not drain in time")
		incomplete = true
	}

	stopExpirer()
	select {
	case <-expirerDone:
	case <-time.After(shutdownTimeout):
		d.log.Warn(nil, "expirer did not stop in time")
		incomplete = true
	}

	d.writeSnapshot()

	if incomplete {
		// Leave the firewall state in place; the stalled stages may
		// still reference it and the next start reconciles from the
		// snapshot anyway.
		return ErrShutdownIncomplete
	}

	close(events)
	if !waitTimeout(&applierWG, shutdownTimeout) {
		d.log.Warn(nil, "firewall applier did not drain in time")
		return ErrShutdownIncomplete
	}

	for _, ev := range d.list.Drain() {
		d.journalAppend(ev)
		d.applyEvent(ev)
	}
	if err := d.fw.Teardown(); err != nil {
		d.log.Warn(map[string]any{"error": err}, "firewall teardown failed")
	}

	d.log.Info(nil, "shutdown complete")
	return nil
}

// matchLoop classifies lines and feeds the blocklist. It exits when the
// lines channel closes, after draining it.
func (d *Daemon) matchLoop(lines <-chan watch.Line, events chan<- blocklist.Event, wake chan<- struct{}) {
	for line := range lines {
		matcher, ok := d.matchers[line.Rule]
		if !ok {
			continue
		}
		res, ok := matcher.Classify(line.Text)
		if !ok {
			continue
		}

		rule := d.cfg.Rules[line.Rule]
		ev := d.list.Add(res.Addr, line.Rule, rule.Timeout, d.clk.Now())
		switch ev.Kind {
		case blocklist.Ignored:
			d.log.Debug(map[string]any{"rule": line.Rule, "addr": ev.Addr.String()}, "skipping whitelisted address")
		case blocklist.Unchanged:
			// Already blocked at least as long; nothing to do.
		case blocklist.Added, blocklist.Extended:
			d.log.Info(map[string]any{
				"rule":   line.Rule,
				"addr":   ev.Addr.String(),
				"action": ev.Kind.String(),
			}, "blocking address")
			d.journalAppend(ev)
			events <- ev
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// expireLoop sleeps until the soonest deadline, removes expired entries,
// and forwards the Removed events. A wake signal recomputes the deadline
// after an Add changes it.
func (d *Daemon) expireLoop(ctx context.Context, events chan<- blocklist.Event, wake <-chan struct{}) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := idleWait
		if next, ok := d.list.NextExpiry(); ok {
			wait = next.Sub(d.clk.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-wake:
			continue
		case <-timer.C:
			for _, ev := range d.list.Tick(d.clk.Now()) {
				d.log.Info(map[string]any{
					"rule": ev.Rule,
					"addr": ev.Addr.String(),
				}, "unblocking address")
				d.journalAppend(ev)
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// restoreSnapshot loads the previous run's blocklist before the watchers
// start backfilling, so duplicate hits from the backfill collapse through
// the idempotent add. Missing or corrupt snapshots are discarded, never
// fatal.
func (d *Daemon) restoreSnapshot() {
	path := filepath.Join(d.cfg.StateDir, SnapshotFile)
	entries, err := blocklist.ReadSnapshotFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		d.log.Warn(map[string]any{"path": path, "error": err}, "discarding unreadable snapshot")
		return
	}

	restored := d.list.Restore(entries, d.clk.Now())
	for _, ev := range restored {
		d.applyEvent(ev)
	}
	d.log.Info(map[string]any{
		"path":     path,
		"restored": len(restored),
		"dropped":  len(entries) - len(restored),
	}, "restored blocklist snapshot")
}

func (d *Daemon) writeSnapshot() {
	path := filepath.Join(d.cfg.StateDir, SnapshotFile)
	entries := d.list.Snapshot()
	if err := blocklist.WriteSnapshotFile(path, entries); err != nil {
		d.log.Error(map[string]any{"path": path, "error": err}, "failed writing snapshot")
		return
	}
	d.log.Info(map[string]any{"path": path, "entries": len(entries)}, "wrote blocklist snapshot")
}

func (d *Daemon) applyEvent(ev blocklist.Event) {
	if err := d.fw.Apply(ev); err != nil {
		d.log.Warn(map[string]any{
			"addr":  ev.Addr.String(),
			"event": ev.Kind.String(),
			"error": err,
		}, "firewall apply failed")
	}
}

func (d *Daemon) journalAppend(ev blocklist.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Append(ev, d.clk.Now()); err != nil {
		d.log.Warn(map[string]any{"error": err}, "journal append failed")
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
