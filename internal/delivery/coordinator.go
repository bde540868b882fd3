package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cardstream/internal/credential"
	"cardstream/internal/eventbus"
	"cardstream/internal/provider"
	"cardstream/internal/registry"
	"cardstream/internal/retry"
	"cardstream/internal/storage"
	"cardstream/internal/throttle"
	"cardstream/pkg/logx"
)

// ErrTargetNotOpen is returned by Update for ids that are unknown, finalized
// or evicted. Callers fall back to SendInitial.
var ErrTargetNotOpen = throttle.ErrTargetNotOpen

// Event types published on the bus.
const (
	EventOpened     eventbus.Type = "delivery.opened"
	EventDispatched eventbus.Type = "delivery.dispatched"
	EventFailed     eventbus.Type = "delivery.failed"
	EventFinalized  eventbus.Type = "delivery.finalized"
	EventEvicted    eventbus.Type = "delivery.evicted"
)

// EventData is the payload of every delivery event.
type EventData struct {
	TargetID string `json:"target_id"`
	ChatID   string `json:"chat_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Config carries every tuning knob of the coordinator.
// Zero values fall back to the component defaults (500ms interval, 60s idle,
// 1h TTL, 30m sweep, 60s credential margin, 3 attempts, 200ms base delay,
// 5 provider calls/sec).
type Config struct {
	Identity string

	MinUpdateInterval      time.Duration
	IdleFinalizeAfter      time.Duration
	TTL                    time.Duration
	SweepInterval          time.Duration
	CredentialSafetyMargin time.Duration
	MaxRetryAttempts       int
	RetryBaseDelay         time.Duration
	RatePerSec             int
}

// TargetStatus is a point-in-time view of one tracked target.
type TargetStatus struct {
	TargetID      string
	ChatID        string
	State         string
	Pending       bool
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Coordinator is the façade calling code uses to stream content into
// provider-side display objects. It owns the credential cache, the target
// registry and the update throttler, and routes every provider call through
// retry and a process-wide rate limiter.
type Coordinator struct {
	mu sync.Mutex

	cfg   Config
	prov  provider.Provider
	creds *credential.Cache
	reg   *registry.Registry
	thr   *throttle.Throttler
	bus   eventbus.Bus
	store storage.Store
	log   logx.Logger

	limiter *rate.Limiter
	closed  bool
}

// New wires the coordinator. bus and store may be nil.
func New(cfg Config, prov provider.Provider, bus eventbus.Bus, store storage.Store, log logx.Logger) *Coordinator {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Coordinator{
		cfg:     cfg,
		prov:    prov,
		bus:     bus,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	c.creds = credential.New(credential.Config{
		SafetyMargin: cfg.CredentialSafetyMargin,
		Retry:        c.retryConfig(),
	}, prov.FetchCredential, log.With(logx.String("comp", "credential")))

	c.reg = registry.New(registry.Config{
		TTL:           cfg.TTL,
		SweepInterval: cfg.SweepInterval,
	}, log.With(logx.String("comp", "registry")))

	c.thr = throttle.New(throttle.Config{
		MinInterval:       cfg.MinUpdateInterval,
		IdleFinalizeAfter: cfg.IdleFinalizeAfter,
	}, c.dispatchUpdate, throttle.Hooks{
		OnFinalize: c.onFinalize,
		OnTerminal: c.onTerminal,
	}, log.With(logx.String("comp", "throttle")))

	// Sweep evictions cancel the target's timers before removal.
	c.reg.OnEvict(func(rec registry.Record) {
		c.thr.Remove(rec.TargetID)
		c.journal(storage.DispatchEntry{TargetID: rec.TargetID, ChatID: rec.Context.ChatID, Kind: storage.KindEvict, OK: true})
		c.publish(EventEvicted, EventData{TargetID: rec.TargetID, ChatID: rec.Context.ChatID})
	})
	c.reg.Start()
	return c
}

// OpenTarget creates a provider-side display object with an empty body and
// starts tracking it. Returns the provider-assigned target id.
func (c *Coordinator) OpenTarget(ctx context.Context, ref provider.ConversationRef, mode provider.RenderMode) (string, error) {
	return c.create(ctx, ref, "", mode)
}

// SendInitial combines open and first dispatch: the first send is always
// immediate, never throttled.
func (c *Coordinator) SendInitial(ctx context.Context, ref provider.ConversationRef, content string, mode provider.RenderMode) (string, error) {
	return c.create(ctx, ref, content, mode)
}

// Update schedules a throttled content update for targetID.
// Bursts within the minimum interval coalesce; the latest content wins.
func (c *Coordinator) Update(targetID, content string) error {
	return c.thr.Schedule(targetID, content)
}

// RecentDispatches returns the newest journal rows, up to limit.
// It returns storage.ErrDisabled when no journal is configured.
func (c *Coordinator) RecentDispatches(ctx context.Context, limit int) ([]storage.DispatchEntry, error) {
	if c.store == nil {
		return nil, storage.ErrDisabled
	}
	return c.store.Recent(ctx, limit)
}

// Snapshot returns the current per-target status.
func (c *Coordinator) Snapshot() []TargetStatus {
	recs := c.reg.Snapshot()
	out := make([]TargetStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, TargetStatus{
			TargetID:      rec.TargetID,
			ChatID:        rec.Context.ChatID,
			State:         rec.State.String(),
			Pending:       c.thr.Pending(rec.TargetID),
			CreatedAt:     rec.CreatedAt,
			LastUpdatedAt: rec.LastUpdatedAt,
		})
	}
	return out
}

// Apply updates the live pacing knobs (throttle intervals, provider rate).
// Structural knobs (TTL, sweep, identity) need a restart.
func (c *Coordinator) Apply(cfg Config) {
	c.thr.Apply(throttle.Config{
		MinInterval:       cfg.MinUpdateInterval,
		IdleFinalizeAfter: cfg.IdleFinalizeAfter,
	})
	if cfg.RatePerSec > 0 {
		c.mu.Lock()
		c.cfg.RatePerSec = cfg.RatePerSec
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		c.mu.Unlock()
	}
}

// Shutdown cancels the sweep schedule and every per-target timer.
// In-flight provider calls are abandoned; nothing leaks.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.reg.Close()
	c.thr.Close()
	c.log.Info("delivery coordinator stopped")
}

// ---- internals ----

func (c *Coordinator) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.cfg.MaxRetryAttempts,
		BaseDelay:   c.cfg.RetryBaseDelay,
	}
}

func (c *Coordinator) create(ctx context.Context, ref provider.ConversationRef, content string, mode provider.RenderMode) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var res provider.CreateResult
	err := retry.Do(ctx, c.retryConfig(), c.log, func(ctx context.Context) error {
		cred, cerr := c.creds.Get(ctx, c.cfg.Identity)
		if cerr != nil {
			// The cache already retried the fetch; don't retry on top.
			return retry.NoRetry(cerr)
		}
		if lerr := c.wait(ctx); lerr != nil {
			return retry.NoRetry(lerr)
		}
		got, perr := c.prov.CreateMessage(ctx, cred, ref, content, mode)
		if perr != nil {
			if errors.Is(perr, provider.ErrCredentialRejected) {
				// Revoked before its stated expiry: drop it so the next
				// attempt fetches a fresh one.
				c.creds.Invalidate(c.cfg.Identity)
				return perr
			}
			if provider.IsTerminal(perr) {
				return retry.NoRetry(perr)
			}
			return perr
		}
		res = got
		return nil
	})
	if err != nil {
		c.journal(storage.DispatchEntry{ChatID: ref.ChatID, Kind: storage.KindCreate, Error: err.Error(), Bytes: len(content), TookMS: time.Since(start).Milliseconds()})
		c.publish(EventFailed, EventData{ChatID: ref.ChatID, Error: err.Error()})
		return "", err
	}

	if _, rerr := c.reg.Open(res.TargetID, ref, mode); rerr != nil {
		// Provider handed back an id we already track live; surface as-is.
		return "", rerr
	}
	if terr := c.thr.Track(res.TargetID); terr != nil {
		return "", terr
	}

	c.log.Debug("target opened", logx.String("target", res.TargetID), logx.String("chat", ref.ChatID), logx.Int("bytes", len(content)))
	c.journal(storage.DispatchEntry{TargetID: res.TargetID, ChatID: ref.ChatID, Kind: storage.KindCreate, OK: true, Bytes: len(content), TookMS: time.Since(start).Milliseconds()})
	c.publish(EventOpened, EventData{TargetID: res.TargetID, ChatID: ref.ChatID})
	return res.TargetID, nil
}

// dispatchUpdate is the throttler's network operation: one coalesced update.
// The credential is fetched immediately before each attempt, so a token
// expiring mid-burst is refreshed transparently.
func (c *Coordinator) dispatchUpdate(ctx context.Context, targetID, content string) error {
	rec, ok := c.reg.Get(targetID)
	if !ok {
		return ErrTargetNotOpen
	}
	start := time.Now()

	err := retry.Do(ctx, c.retryConfig(), c.log.With(logx.String("target", targetID)), func(ctx context.Context) error {
		cred, cerr := c.creds.Get(ctx, c.cfg.Identity)
		if cerr != nil {
			return retry.NoRetry(cerr)
		}
		if lerr := c.wait(ctx); lerr != nil {
			return retry.NoRetry(lerr)
		}
		_, perr := c.prov.UpdateMessage(ctx, cred, targetID, content, rec.Mode)
		if perr == nil {
			return nil
		}
		if errors.Is(perr, provider.ErrCredentialRejected) {
			c.creds.Invalidate(c.cfg.Identity)
			return perr
		}
		if provider.IsTerminal(perr) {
			return retry.NoRetry(perr)
		}
		return perr
	})

	entry := storage.DispatchEntry{TargetID: targetID, ChatID: rec.Context.ChatID, Kind: storage.KindUpdate, Bytes: len(content), TookMS: time.Since(start).Milliseconds()}
	if err != nil {
		entry.Error = err.Error()
		c.journal(entry)
		c.publish(EventFailed, EventData{TargetID: targetID, ChatID: rec.Context.ChatID, Error: err.Error()})
		return err
	}
	c.reg.Touch(targetID)
	entry.OK = true
	c.journal(entry)
	c.publish(EventDispatched, EventData{TargetID: targetID, ChatID: rec.Context.ChatID})
	return nil
}

func (c *Coordinator) wait(ctx context.Context) error {
	c.mu.Lock()
	lim := c.limiter
	c.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (c *Coordinator) onFinalize(targetID string) {
	rec, _ := c.reg.Get(targetID)
	c.reg.Finalize(targetID)
	c.journal(storage.DispatchEntry{TargetID: targetID, ChatID: rec.Context.ChatID, Kind: storage.KindFinalize, OK: true})
	c.publish(EventFinalized, EventData{TargetID: targetID, ChatID: rec.Context.ChatID})
}

func (c *Coordinator) onTerminal(targetID string, err error) {
	c.reg.Evict(targetID)
}

// journal writes are best-effort with a tight deadline; a slow or broken
// store must never stall a dispatch.
func (c *Coordinator) journal(e storage.DispatchEntry) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := c.store.AppendDispatch(ctx, e); err != nil {
		c.log.Debug("journal write failed", logx.String("target", e.TargetID), logx.Err(err))
	}
}

func (c *Coordinator) publish(typ eventbus.Type, data EventData) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
