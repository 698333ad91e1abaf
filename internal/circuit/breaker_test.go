package circuit

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ProbeBudget:      2,
		OpenFor:          20 * time.Millisecond,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("feed-source", testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() #%d error = %v, want boom", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	// Calls are shed without invoking fn.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while breaker open")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker("model", testConfig())
	boom := errors.New("boom")

	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want closed (streak was broken)", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("platform", testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.Execute(func() error { return boom })
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(25 * time.Millisecond)

	// First probe transitions to half-open; two successes close it.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe #1 error = %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after probe = %s, want half-open", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe #2 error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want closed after recovery", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("platform", testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.Execute(func() error { return boom })
	}
	time.Sleep(25 * time.Millisecond)

	if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe error = %v, want boom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %s, want open after failed probe", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig())
	a := r.Get("feed-source")
	if r.Get("feed-source") != a {
		t.Error("Get() should return the same breaker per name")
	}
	if r.AnyOpen() {
		t.Error("AnyOpen() = true with fresh breakers")
	}

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		a.Execute(func() error { return boom })
	}
	if !r.AnyOpen() {
		t.Error("AnyOpen() = false with an open breaker")
	}
}
