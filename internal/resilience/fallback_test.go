package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newStringGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Run("primary success", func(t *testing.T) {
		fg := newStringGroup()
		var called []string
		err := fg.Execute(t.Context(), func(v string) error {
			called = append(called, v)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !slices.Equal(called, []string{"primary"}) {
			t.Fatalf("called = %v, want [primary]", called)
		}
	})

	t.Run("failover", func(t *testing.T) {
		fg := newStringGroup()
		var called []string
		err := fg.Execute(t.Context(), func(v string) error {
			called = append(called, v)
			if v == "primary" {
				return errTest
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !slices.Equal(called, []string{"primary", "secondary"}) {
			t.Fatalf("called = %v", called)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		fg := newStringGroup()
		err := fg.Execute(t.Context(), func(string) error { return errTest })
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
		if !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want to wrap the last failure", err)
		}
	})

	t.Run("open breaker skipped", func(t *testing.T) {
		fg := newStringGroup()
		for range 2 {
			_ = fg.Execute(t.Context(), func(v string) error {
				if v == "primary" {
					return errTest
				}
				return nil
			})
		}
		var called []string
		err := fg.Execute(t.Context(), func(v string) error {
			called = append(called, v)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !slices.Equal(called, []string{"secondary"}) {
			t.Fatalf("called = %v, want [secondary]", called)
		}
	})

	t.Run("cancelled context stops failover", func(t *testing.T) {
		fg := newStringGroup()
		ctx, cancel := context.WithCancel(t.Context())
		var called []string
		err := fg.Execute(ctx, func(v string) error {
			called = append(called, v)
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrAllFailed) {
			t.Fatal("cancellation must not be reported as ErrAllFailed")
		}
		if !slices.Equal(called, []string{"primary"}) {
			t.Fatalf("called = %v, want [primary]", called)
		}
	})
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(t.Context(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
	if !slices.Equal(fg.Names(), []string{"ten", "twenty"}) {
		t.Errorf("Names() = %v", fg.Names())
	}
}
