package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

func TestObserveOutcomes(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	m.Observe(eventbus.Event{Type: eventbus.TypeRecipientOutcome, Data: eventbus.RecipientOutcome{DeliveryStatus: "Succeeded", StatusCode: 201, Latency: 20 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.TypeRecipientOutcome, Data: eventbus.RecipientOutcome{DeliveryStatus: "Succeeded", StatusCode: 201}})
	m.Observe(eventbus.Event{Type: eventbus.TypeRecipientOutcome, Data: eventbus.RecipientOutcome{DeliveryStatus: "Throttled", StatusCode: 429}})
	m.Observe(eventbus.Event{Type: eventbus.TypeDuplicateSend, Data: eventbus.RecipientOutcome{DeliveryStatus: "Succeeded", Attempt: 2}})

	if got := testutil.ToFloat64(m.sendOutcomes.WithLabelValues("Succeeded", "201")); got != 2 {
		t.Fatalf("succeeded = %v", got)
	}
	if got := testutil.ToFloat64(m.sendOutcomes.WithLabelValues("Throttled", "429")); got != 1 {
		t.Fatalf("throttled = %v", got)
	}
	if got := testutil.ToFloat64(m.duplicateSends); got != 1 {
		t.Fatalf("duplicates = %v", got)
	}
}

func TestObserveSteps(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	m.Observe(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Data: eventbus.OrchestrationStep{Step: "dispatch:n1:0", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Data: eventbus.OrchestrationStep{Step: "dispatch:n1:1", Err: "boom"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeOrchestrationStep, Data: eventbus.OrchestrationStep{Step: "resolve", Replayed: true}})

	if got := testutil.ToFloat64(m.stepFailures.WithLabelValues("dispatch")); got != 1 {
		t.Fatalf("failures = %v", got)
	}
	if got := testutil.ToFloat64(m.stepReplays); got != 1 {
		t.Fatalf("replays = %v", got)
	}
	if got := testutil.CollectAndCount(m.stepDuration); got != 1 {
		t.Fatalf("step duration series = %d", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := eventbus.New()
	m := New(logx.Nop())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	until := time.Unix(1_700_000_000, 0)
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.throttleExtends) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeThrottleExtended, Data: eventbus.ThrottleExtended{Until: until}})
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.throttleWindow); got != float64(until.Unix()) {
		t.Fatalf("window = %v", got)
	}
	cancel()
	<-done
}

func TestHandlerExposesSeries(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	m.Observe(eventbus.Event{Type: eventbus.TypeAggregatorConflict, Data: "n1"})
	m.Observe(eventbus.Event{Type: eventbus.TypeDeadLetter, Data: eventbus.DeadLetter{Queue: "dispatch", Attempt: 7}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"herald_aggregator_conflicts_total 1", `herald_dead_letters_total{queue="dispatch"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
