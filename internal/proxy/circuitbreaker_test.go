package proxy

import (
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
)

const (
	llamaModel  = "meta.llama3-8b-instruct-v1:0"
	claudeModel = "anthropic.claude-3-haiku-20240307-v1:0"
)

// newTestBreaker returns a breaker whose clock the test advances by hand.
func newTestBreaker(cfg CBConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreakerWithConfig(cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func trip(cb *CircuitBreaker, model string) {
	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure(model)
	}
}

func TestCircuitBreaker_UntrackedModel(t *testing.T) {
	cb := NewCircuitBreaker()

	if cb.State(llamaModel) != cbClosed || cb.StateLabel(llamaModel) != "closed" {
		t.Errorf("untracked model should read as closed, got %s", cb.StateLabel(llamaModel))
	}
	if !cb.Allow(llamaModel) {
		t.Error("untracked model should be allowed")
	}
	// Success on a model that never failed allocates nothing.
	cb.RecordSuccess(llamaModel)
	if len(cb.breakers) != 0 {
		t.Errorf("breakers = %d, want 0", len(cb.breakers))
	}
}

func TestCircuitBreaker_CreatedOnFirstFailure(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.RecordFailure(llamaModel)
	if _, ok := cb.breakers[llamaModel]; !ok {
		t.Fatal("breaker not created on failure")
	}
	if cb.State(llamaModel) != cbClosed {
		t.Error("single failure must not trip the breaker")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure(llamaModel)
		if cb.State(llamaModel) != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure(llamaModel)
	if cb.State(llamaModel) != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.Allow(llamaModel) {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 2})
	cb.RecordFailure(llamaModel)
	cb.RecordFailure(llamaModel)
	if cb.State(llamaModel) != cbOpen {
		t.Error("custom threshold of 2 not applied")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure(llamaModel)
	}
	cb.RecordSuccess(llamaModel)

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure(llamaModel)
	}
	if cb.State(llamaModel) != cbClosed {
		t.Error("success should reset the error count")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb, now := newTestBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure(llamaModel)
	}
	*now = now.Add(providers.CBTimeWindow + time.Second)

	cb.RecordFailure(llamaModel)
	if cb.State(llamaModel) != cbClosed {
		t.Error("error counter should reset after the window expires")
	}
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	cb, now := newTestBreaker(CBConfig{})
	trip(cb, llamaModel)

	*now = now.Add(providers.CBHalfOpenTimeout - time.Second)
	if cb.Allow(llamaModel) {
		t.Fatal("must stay open before the half-open timeout")
	}

	*now = now.Add(2 * time.Second)
	if !cb.Allow(llamaModel) {
		t.Fatal("should allow one probe in half-open state")
	}
	if cb.StateLabel(llamaModel) != "half_open" {
		t.Errorf("expected half_open, got %s", cb.StateLabel(llamaModel))
	}
	if cb.Allow(llamaModel) {
		t.Error("should reject a second request while the probe is in flight")
	}

	cb.RecordSuccess(llamaModel)
	if cb.State(llamaModel) != cbClosed || !cb.Allow(llamaModel) {
		t.Error("successful probe should close the breaker")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(CBConfig{HalfOpenTimeout: 10 * time.Second})
	trip(cb, llamaModel)

	*now = now.Add(11 * time.Second)
	cb.Allow(llamaModel)
	cb.RecordFailure(llamaModel)

	if cb.State(llamaModel) != cbOpen {
		t.Fatal("failure in half-open should reopen the breaker")
	}
	if cb.Allow(llamaModel) {
		t.Error("reopened breaker must wait a full half-open timeout again")
	}
}

func TestCircuitBreaker_NeutralReleasesHalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(CBConfig{HalfOpenTimeout: 10 * time.Second})
	trip(cb, llamaModel)

	*now = now.Add(11 * time.Second)
	if !cb.Allow(llamaModel) {
		t.Fatal("half-open breaker should allow a probe")
	}
	cb.RecordNeutral(llamaModel)

	if cb.State(llamaModel) != cbHalfOpen {
		t.Fatalf("state = %s, a neutral outcome must not change it", cb.StateLabel(llamaModel))
	}
	if !cb.Allow(llamaModel) {
		t.Error("the next request must be let through as the new probe")
	}
}

func TestCircuitBreaker_NeutralKeepsErrorCount(t *testing.T) {
	cb, _ := newTestBreaker(CBConfig{ErrorThreshold: 2})
	cb.RecordFailure(llamaModel)
	cb.RecordNeutral(llamaModel)
	cb.RecordNeutral(claudeModel)
	cb.RecordFailure(llamaModel)

	if cb.State(llamaModel) != cbOpen {
		t.Error("neutral outcomes must not reset the error window")
	}
}

func TestCircuitBreaker_IndependentModels(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, llamaModel)

	if cb.State(claudeModel) != cbClosed || !cb.Allow(claudeModel) {
		t.Error("tripping one model must not affect another")
	}
}

func TestCircuitBreaker_ConcurrentFirstUse(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure(llamaModel)
			cb.Allow(llamaModel)
		}()
	}
	wg.Wait()

	mcb := cb.get(llamaModel)
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	if mcb.errorCount != 50 {
		t.Errorf("errorCount = %d, want 50 (one shared breaker)", mcb.errorCount)
	}
}
