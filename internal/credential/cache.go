package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cardstream/internal/provider"
	"cardstream/internal/retry"
	"cardstream/pkg/logx"
)

// ErrFetchFailed wraps a credential refresh that exhausted its retries.
// No stale value is served in its place.
var ErrFetchFailed = errors.New("credential fetch failed")

// FetchFunc obtains a fresh credential for identity from the authority service.
type FetchFunc func(ctx context.Context, identity string) (provider.Credential, error)

// Config controls the cache.
//
// SafetyMargin<=0 defaults to 60s: a cached credential is only returned if it
// stays valid at least that long past the moment of return.
type Config struct {
	SafetyMargin time.Duration
	Retry        retry.Config
}

// Cache holds one credential per identity and refreshes proactively.
//
// Concurrent Get calls for the same identity during a refresh converge on the
// single in-flight fetch (the in-flight state is a channel, not a flag, so
// there is no check-then-set race). It is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	cfg   Config
	fetch FetchFunc
	log   logx.Logger

	entries map[string]*entry
}

type entry struct {
	cred     provider.Credential
	hasCred  bool
	inflight *flight
}

// flight is one in-progress refresh. done is closed once cred/err are set.
type flight struct {
	done chan struct{}
	cred provider.Credential
	err  error
}

func New(cfg Config, fetch FetchFunc, log logx.Logger) *Cache {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:     cfg,
		fetch:   fetch,
		log:     log,
		entries: map[string]*entry{},
	}
}

// Get returns a credential valid for at least the safety margin.
// A cached value inside the margin is served without I/O; otherwise a refresh
// runs (retried per cfg.Retry) and every concurrent caller shares its result.
func (c *Cache) Get(ctx context.Context, identity string) (provider.Credential, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	e := c.entries[identity]
	if e == nil {
		e = &entry{}
		c.entries[identity] = e
	}
	if e.hasCred && e.cred.ValidFor(time.Now(), c.cfg.SafetyMargin) {
		cred := e.cred
		c.mu.Unlock()
		return cred, nil
	}
	if f := e.inflight; f != nil {
		c.mu.Unlock()
		return c.await(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	e.inflight = f
	c.mu.Unlock()

	// The refresh is shared: it must not die with the initiating caller, or
	// its cancellation would poison the result for every waiter. Each
	// caller's ctx governs only its own wait.
	go c.refresh(context.WithoutCancel(ctx), identity, e, f)
	return c.await(ctx, f)
}

// Invalidate drops the cached credential for identity, forcing the next Get
// to refresh. Adapters call this when the provider reports the token revoked.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	if e := c.entries[identity]; e != nil {
		e.hasCred = false
		e.cred = provider.Credential{}
	}
	c.mu.Unlock()
}

func (c *Cache) await(ctx context.Context, f *flight) (provider.Credential, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return provider.Credential{}, ctx.Err()
	}
	if f.err != nil {
		return provider.Credential{}, f.err
	}
	return f.cred, nil
}

func (c *Cache) refresh(ctx context.Context, identity string, e *entry, f *flight) {
	var cred provider.Credential
	err := retry.Do(ctx, c.cfg.Retry, c.log.With(logx.String("identity", identity)), func(ctx context.Context) error {
		got, ferr := c.fetch(ctx, identity)
		if ferr != nil {
			return ferr
		}
		cred = got
		return nil
	})

	c.mu.Lock()
	if err != nil {
		// Discard any stale value instead of serving it past expiry.
		e.hasCred = false
		e.cred = provider.Credential{}
		f.err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
	} else {
		e.cred = cred
		e.hasCred = true
		f.cred = cred
	}
	e.inflight = nil
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		c.log.Warn("credential refresh failed", logx.String("identity", identity), logx.Err(err))
	} else {
		c.log.Debug("credential refreshed", logx.String("identity", identity), logx.Time("expires_at", cred.ExpiresAt))
	}
}
