package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cardstream/internal/provider"
	"cardstream/pkg/logx"
)

var (
	ErrDuplicateTarget = errors.New("target already open")
	ErrNotFound        = errors.New("target not found")
)

// State of a tracked target. Evicted targets are removed from the registry
// entirely; an evicted id is never resurrected by Touch or Finalize.
type State int

const (
	StateActive State = iota
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Record is the authoritative bookkeeping for one streaming target.
type Record struct {
	TargetID      string
	Context       provider.ConversationRef
	Mode          provider.RenderMode
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	State         State
}

// EvictionHook runs for each record the sweep is about to remove,
// before removal, so timer owners can cancel per-target timers first.
type EvictionHook func(rec Record)

// Config controls retention.
//
// TTL<=0 defaults to 1h, SweepInterval<=0 to 30m.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Registry maps target ids to their records and periodically evicts records
// idle past the TTL. It is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	recs  map[string]*Record
	hooks []EvictionHook

	c      *cron.Cron
	closed bool
}

func New(cfg Config, log logx.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:  cfg,
		log:  log,
		recs: map[string]*Record{},
	}
}

// OnEvict registers a hook invoked before a record is removed.
// Hooks must be idempotent: direct evictions (terminal provider errors) also
// fire them. Register before Start.
func (r *Registry) OnEvict(h EvictionHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Start arms the periodic sweep. Idempotent.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || r.closed {
		return
	}
	c := cron.New()
	// @every accepts a Go duration string.
	_, err := c.AddFunc("@every "+r.cfg.SweepInterval.String(), func() {
		r.Sweep(time.Now())
	})
	if err != nil {
		r.log.Error("sweep schedule rejected", logx.Duration("interval", r.cfg.SweepInterval), logx.Err(err))
		return
	}
	c.Start()
	r.c = c
	r.log.Debug("registry sweep armed", logx.Duration("interval", r.cfg.SweepInterval), logx.Duration("ttl", r.cfg.TTL))
}

// Open creates an Active record for targetID. A Finalized record is replaced
// (explicit re-open); an Active one fails with ErrDuplicateTarget.
func (r *Registry) Open(targetID string, ref provider.ConversationRef, mode provider.RenderMode) (Record, error) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.recs[targetID]; ok && cur.State == StateActive {
		return Record{}, ErrDuplicateTarget
	}
	rec := &Record{
		TargetID:      targetID,
		Context:       ref,
		Mode:          mode,
		CreatedAt:     now,
		LastUpdatedAt: now,
		State:         StateActive,
	}
	r.recs[targetID] = rec
	return *rec, nil
}

// Touch marks activity on an Active record. No-op for anything else; an
// evicted or finalized id is never silently resurrected.
func (r *Registry) Touch(targetID string) {
	r.mu.Lock()
	if rec, ok := r.recs[targetID]; ok && rec.State == StateActive {
		rec.LastUpdatedAt = time.Now()
	}
	r.mu.Unlock()
}

// Get returns a copy of the record for targetID.
func (r *Registry) Get(targetID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[targetID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Finalize transitions an Active record to Finalized.
func (r *Registry) Finalize(targetID string) {
	r.mu.Lock()
	if rec, ok := r.recs[targetID]; ok && rec.State == StateActive {
		rec.State = StateFinalized
	}
	r.mu.Unlock()
}

// Evict removes targetID immediately, firing eviction hooks first.
// Used when the provider reports the target permanently gone.
func (r *Registry) Evict(targetID string) bool {
	r.mu.Lock()
	rec, ok := r.recs[targetID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	cp := *rec
	hooks := append([]EvictionHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(cp)
	}

	r.mu.Lock()
	delete(r.recs, targetID)
	r.mu.Unlock()
	return true
}

// Sweep removes every record idle longer than the TTL. Scan and removal
// share one critical section, so a record touched concurrently can never be
// picked and then survive with its hooks already fired. Hooks run after
// removal, outside the lock, only for records actually gone.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var removed []Record
	for id, rec := range r.recs {
		if now.Sub(rec.LastUpdatedAt) > r.cfg.TTL {
			removed = append(removed, *rec)
			delete(r.recs, id)
		}
	}
	hooks := append([]EvictionHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, v := range removed {
		for _, h := range hooks {
			h(v)
		}
	}
	if len(removed) > 0 {
		r.log.Info("registry sweep evicted idle targets", logx.Int("removed", len(removed)))
	}
	return len(removed)
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

// Snapshot returns copies of all live records.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, *rec)
	}
	return out
}

// Close cancels the sweep schedule. Per-target timers are owned by the
// throttler and canceled by its own Close.
func (r *Registry) Close() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.closed = true
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
