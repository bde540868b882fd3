package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"cardstream/internal/provider"
	"cardstream/pkg/logx"
)

var (
	// ErrTargetNotOpen is returned for updates to an unknown, finalized or
	// evicted target. Callers are expected to fall back to a fresh open.
	ErrTargetNotOpen = errors.New("target not open")

	ErrClosed = errors.New("throttler closed")
)

// DispatchFunc performs one coalesced network update. The throttler never
// inspects content; it only reacts to the error: provider.IsTerminal means
// the target is permanently gone and is evicted immediately.
type DispatchFunc func(ctx context.Context, targetID, content string) error

// Hooks connect the throttler to its owner. Both run outside the throttler
// lock and may be nil.
type Hooks struct {
	// OnFinalize fires when the idle timer elapses with no new schedule.
	OnFinalize func(targetID string)
	// OnTerminal fires after the throttler dropped a target because the
	// provider rejected it permanently.
	OnTerminal func(targetID string, err error)
}

// Config controls pacing per target.
//
// MinInterval<=0 defaults to 500ms, IdleFinalizeAfter<=0 to 60s.
type Config struct {
	MinInterval       time.Duration
	IdleFinalizeAfter time.Duration
}

// Per-target dispatch state machine:
//
//	Idle -> Scheduled -> Dispatching -> Idle
//
// with a side transition to finalized (target dropped) when the idle timer
// fires. One tagged state plus one timer handle per target; a generation
// counter guards against stale timer callbacks after a re-arm.
type tstate int

const (
	stateIdle tstate = iota
	stateScheduled
	stateDispatching
)

type target struct {
	id           string
	st           tstate
	latest       string
	hasPending   bool
	lastDispatch time.Time
	timer        *time.Timer
	seq          uint64
}

// Throttler coalesces bursts of per-target updates into rate-compliant
// dispatches, last write wins. It is safe for concurrent use; dispatches run
// concurrently across targets but strictly one at a time per target.
type Throttler struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	dispatch DispatchFunc
	hooks    Hooks

	targets map[string]*target
	closed  bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, dispatch DispatchFunc, hooks Hooks, log logx.Logger) *Throttler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 500 * time.Millisecond
	}
	if cfg.IdleFinalizeAfter <= 0 {
		cfg.IdleFinalizeAfter = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Throttler{
		cfg:       cfg,
		log:       log,
		dispatch:  dispatch,
		hooks:     hooks,
		targets:   map[string]*target{},
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Apply updates pacing knobs. Already-armed timers keep their old deadline;
// new arms use the new values.
func (t *Throttler) Apply(cfg Config) {
	t.mu.Lock()
	if cfg.MinInterval > 0 {
		t.cfg.MinInterval = cfg.MinInterval
	}
	if cfg.IdleFinalizeAfter > 0 {
		t.cfg.IdleFinalizeAfter = cfg.IdleFinalizeAfter
	}
	t.mu.Unlock()
}

// Track registers a freshly opened target whose first dispatch (the create)
// just happened. The idle-finalization timer starts immediately.
func (t *Throttler) Track(targetID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.targets[targetID]; ok {
		return nil
	}
	tg := &target{id: targetID, st: stateIdle, lastDispatch: time.Now()}
	t.targets[targetID] = tg
	t.armIdleLocked(tg)
	return nil
}

// Schedule requests an update with content. Within one minInterval window,
// later calls replace the pending content instead of queueing; the dispatch
// that eventually fires carries the most recent content.
func (t *Throttler) Schedule(targetID, content string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	tg, ok := t.targets[targetID]
	if !ok {
		t.mu.Unlock()
		return ErrTargetNotOpen
	}

	tg.latest = content
	switch tg.st {
	case stateIdle:
		elapsed := time.Since(tg.lastDispatch)
		if elapsed >= t.cfg.MinInterval {
			t.beginDispatchLocked(tg)
		} else {
			tg.st = stateScheduled
			t.armFlushLocked(tg, t.cfg.MinInterval-elapsed)
		}
	case stateScheduled:
		// Coalesced: content replaced above, timer untouched.
	case stateDispatching:
		tg.hasPending = true
	}
	t.mu.Unlock()
	return nil
}

// Remove drops a target and cancels its timer. Idempotent; used by registry
// eviction hooks and safe to call for unknown ids.
func (t *Throttler) Remove(targetID string) {
	t.mu.Lock()
	if tg, ok := t.targets[targetID]; ok {
		t.stopTimerLocked(tg)
		delete(t.targets, targetID)
	}
	t.mu.Unlock()
}

// Pending reports whether targetID has a dispatch scheduled or in flight.
func (t *Throttler) Pending(targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg, ok := t.targets[targetID]
	return ok && tg.st != stateIdle
}

// Tracked reports whether targetID is known and not finalized.
func (t *Throttler) Tracked(targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.targets[targetID]
	return ok
}

// Close cancels every per-target timer and aborts in-flight dispatches.
func (t *Throttler) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, tg := range t.targets {
		t.stopTimerLocked(tg)
	}
	t.targets = map[string]*target{}
	t.mu.Unlock()
	t.runCancel()
}

// ---- internal transitions (mu held unless noted) ----

func (t *Throttler) beginDispatchLocked(tg *target) {
	t.stopTimerLocked(tg)
	tg.st = stateDispatching
	tg.hasPending = false
	content := tg.latest
	go t.run(tg.id, content)
}

func (t *Throttler) run(targetID, content string) {
	err := t.dispatch(t.runCtx, targetID, content)

	t.mu.Lock()
	tg, ok := t.targets[targetID]
	if !ok || t.closed {
		// Evicted (or shut down) while the call was in flight: discard.
		t.mu.Unlock()
		return
	}
	tg.lastDispatch = time.Now()

	if err != nil && provider.IsTerminal(err) {
		t.stopTimerLocked(tg)
		delete(t.targets, targetID)
		t.mu.Unlock()
		t.log.Warn("target rejected permanently", logx.String("target", targetID), logx.Err(err))
		if t.hooks.OnTerminal != nil {
			t.hooks.OnTerminal(targetID, err)
		}
		return
	}

	// On failure tg.latest is left as-is, so the next Schedule (even with
	// identical content) retries delivery.
	if tg.hasPending {
		tg.st = stateScheduled
		tg.hasPending = false
		t.armFlushLocked(tg, t.cfg.MinInterval)
	} else {
		tg.st = stateIdle
		t.armIdleLocked(tg)
	}
	t.mu.Unlock()
}

func (t *Throttler) armFlushLocked(tg *target, d time.Duration) {
	t.stopTimerLocked(tg)
	tg.seq++
	seq := tg.seq
	id := tg.id
	tg.timer = time.AfterFunc(d, func() { t.flush(id, seq) })
}

func (t *Throttler) armIdleLocked(tg *target) {
	t.stopTimerLocked(tg)
	tg.seq++
	seq := tg.seq
	id := tg.id
	tg.timer = time.AfterFunc(t.cfg.IdleFinalizeAfter, func() { t.idleFire(id, seq) })
}

func (t *Throttler) stopTimerLocked(tg *target) {
	if tg.timer != nil {
		tg.timer.Stop()
		tg.timer = nil
	}
	tg.seq++
}

func (t *Throttler) flush(targetID string, seq uint64) {
	t.mu.Lock()
	tg, ok := t.targets[targetID]
	if !ok || t.closed || tg.st != stateScheduled || tg.seq != seq {
		t.mu.Unlock()
		return
	}
	tg.timer = nil
	t.beginDispatchLocked(tg)
	t.mu.Unlock()
}

func (t *Throttler) idleFire(targetID string, seq uint64) {
	t.mu.Lock()
	tg, ok := t.targets[targetID]
	if !ok || t.closed || tg.st != stateIdle || tg.seq != seq {
		t.mu.Unlock()
		return
	}
	tg.timer = nil
	delete(t.targets, targetID)
	t.mu.Unlock()

	t.log.Debug("target finalized after idle window", logx.String("target", targetID))
	if t.hooks.OnFinalize != nil {
		t.hooks.OnFinalize(targetID)
	}
}
