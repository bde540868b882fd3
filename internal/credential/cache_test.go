package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cardstream/internal/provider"
	"cardstream/internal/retry"
	"cardstream/pkg/logx"
)

func freshCred() provider.Credential {
	return provider.Credential{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}
}

func TestGetCachesWithinMargin(t *testing.T) {
	var fetches atomic.Int32
	c := New(Config{SafetyMargin: time.Minute}, func(ctx context.Context, id string) (provider.Credential, error) {
		fetches.Add(1)
		return freshCred(), nil
	}, logx.Nop())

	for i := 0; i < 3; i++ {
		cred, err := c.Get(context.Background(), "app")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if cred.Value != "tok" {
			t.Fatalf("unexpected credential %+v", cred)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
}

func TestGetRefreshesInsideSafetyMargin(t *testing.T) {
	var fetches atomic.Int32
	c := New(Config{SafetyMargin: time.Minute}, func(ctx context.Context, id string) (provider.Credential, error) {
		n := fetches.Add(1)
		if n == 1 {
			// Expires before the margin: usable exactly once, then refreshed.
			return provider.Credential{Value: "short", ExpiresAt: time.Now().Add(10 * time.Second)}, nil
		}
		return freshCred(), nil
	}, logx.Nop())

	cred, err := c.Get(context.Background(), "app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.Value != "short" {
		t.Fatalf("expected first fetch result, got %+v", cred)
	}

	cred, err = c.Get(context.Background(), "app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.Value != "tok" {
		t.Fatalf("expected refreshed credential, got %+v", cred)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestConcurrentGetSingleFlight(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	c := New(Config{SafetyMargin: time.Minute}, func(ctx context.Context, id string) (provider.Credential, error) {
		fetches.Add(1)
		<-release
		return freshCred(), nil
	}, logx.Nop())

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "app")
		}(i)
	}
	// Let everyone pile onto the in-flight refresh before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", n)
	}
}

func TestGetRetriesThenSucceeds(t *testing.T) {
	var fetches atomic.Int32
	c := New(Config{SafetyMargin: time.Minute, Retry: retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}}, func(ctx context.Context, id string) (provider.Credential, error) {
		if fetches.Add(1) <= 2 {
			return provider.Credential{}, errors.New("authority unavailable")
		}
		return freshCred(), nil
	}, logx.Nop())

	cred, err := c.Get(context.Background(), "app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.Value != "tok" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if n := fetches.Load(); n != 3 {
		t.Fatalf("expected 3 fetches, got %d", n)
	}
}

func TestGetFailsAfterExhaustedRetries(t *testing.T) {
	var fetches atomic.Int32
	c := New(Config{SafetyMargin: time.Minute, Retry: retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}}, func(ctx context.Context, id string) (provider.Credential, error) {
		fetches.Add(1)
		return provider.Credential{}, errors.New("authority unavailable")
	}, logx.Nop())

	_, err := c.Get(context.Background(), "app")
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var fetches atomic.Int32
	c := New(Config{SafetyMargin: time.Minute}, func(ctx context.Context, id string) (provider.Credential, error) {
		fetches.Add(1)
		return freshCred(), nil
	}, logx.Nop())

	if _, err := c.Get(context.Background(), "app"); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate("app")
	if _, err := c.Get(context.Background(), "app"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestCanceledInitiatorDoesNotPoisonWaiters(t *testing.T) {
	var fetches atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := New(Config{}, func(ctx context.Context, id string) (provider.Credential, error) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		<-release
		return freshCred(), nil
	}, logx.Nop())

	// First caller starts the refresh and then gives up.
	ctx1, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx1, "app")
		firstErr <- err
	}()
	<-started

	// Second caller joins the same in-flight refresh with a live ctx.
	second := make(chan provider.Credential, 1)
	go func() {
		cred, err := c.Get(context.Background(), "app")
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
		second <- cred
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("initiator should see its own cancellation, got %v", err)
	}

	close(release)
	select {
	case cred := <-second:
		if cred.Value != "tok" {
			t.Fatalf("unexpected credential %+v", cred)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never got the shared refresh result")
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected a single shared fetch, got %d", n)
	}
}
