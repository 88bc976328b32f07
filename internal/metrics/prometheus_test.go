package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

// scrape renders the registry the way the /metrics route does.
func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(&ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("metrics handler status %d", ctx.Response.StatusCode())
	}
	return string(ctx.Response.Body())
}

func assertSeries(t *testing.T, body string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(body, w+"\n") {
			t.Errorf("metrics output missing %q", w)
		}
	}
}

func TestRegistry_Counters(t *testing.T) {
	r := New()

	r.RecordResolution("fuzzy")
	r.RecordResolution("fuzzy")
	r.RecordResolution("alias")
	r.RecordCatalogRefresh("ok", 30*time.Millisecond)
	r.RecordCatalogRefresh("error", time.Second)
	r.SetCatalogSize(42)
	r.ObserveInvocation("llama", "chat", "success", 10*time.Millisecond)
	r.RecordExtraction("claude", "universal")
	r.ObserveSidecar("queue", 0, time.Millisecond)
	r.RecordAliasReload("ok")

	assertSeries(t, scrape(t, r),
		`gateway_resolutions_total{strategy="fuzzy"} 2`,
		`gateway_resolutions_total{strategy="alias"} 1`,
		`gateway_catalog_refresh_total{result="error"} 1`,
		`gateway_catalog_models 42`,
		`gateway_backend_invocations_total{family="llama",outcome="success",route="chat"} 1`,
		`gateway_extractions_total{family="claude",source="universal"} 1`,
		`gateway_sidecar_requests_total{binding="queue",status="0"} 1`,
		`gateway_alias_reloads_total{result="ok"} 1`,
	)
}

func TestRegistry_AddTokens(t *testing.T) {
	r := New()
	r.AddTokens("claude", "chat", 10, 5, false)
	r.AddTokens("claude", "chat", 0, 0, true)

	body := scrape(t, r)
	assertSeries(t, body,
		`gateway_tokens_total{cache="miss",direction="input",family="claude",route="chat"} 10`,
		`gateway_tokens_total{cache="miss",direction="total",family="claude",route="chat"} 15`,
	)
	if strings.Contains(body, `cache="hit"`) {
		t.Error("zero token counts must not create series")
	}
}

func TestRegistry_CircuitBreakerTransitions(t *testing.T) {
	r := New()
	const model = "meta.llama3-8b-instruct-v1:0"

	r.SetCircuitBreaker(model, 0)
	r.SetCircuitBreaker(model, 0)
	r.SetCircuitBreaker(model, 1)

	assertSeries(t, scrape(t, r),
		`circuit_breaker_state{model="meta.llama3-8b-instruct-v1:0"} 1`,
		`gateway_circuit_breaker_transitions_total{model="meta.llama3-8b-instruct-v1:0",to_state="0"} 1`,
		`gateway_circuit_breaker_transitions_total{model="meta.llama3-8b-instruct-v1:0",to_state="1"} 1`,
	)
}

func TestRegistry_HealthAndBuildInfo(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.SetDependencyHealth("bedrock", true)
	r.SetDependencyHealth("redis", false)

	assertSeries(t, scrape(t, r),
		`gateway_build_info{version="test"} 1`,
		`gateway_dependency_health{dependency="bedrock"} 1`,
		`gateway_dependency_health{dependency="redis"} 0`,
	)
}

func TestRegistry_InvocationLogDropped(t *testing.T) {
	r := New()
	r.AddInvocationLogDropped(3)
	r.AddInvocationLogDropped(0)
	r.AddInvocationLogDropped(2)

	assertSeries(t, scrape(t, r), "gateway_invocation_log_dropped_total 5")
}
