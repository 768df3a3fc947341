package chromedriver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.UserAgent == "" {
		t.Fatal("expected default user agent")
	}
	if cfg.NavigationsPerSecond != 0.5 {
		t.Fatalf("expected default pacing 0.5/s, got %v", cfg.NavigationsPerSecond)
	}
	if cfg.Timeouts.Navigate != 30*time.Second {
		t.Fatalf("expected default navigate timeout, got %v", cfg.Timeouts.Navigate)
	}
	if cfg.Logger == nil {
		t.Fatal("expected nop logger default")
	}

	custom := Config{NavigationsPerSecond: 2, Timeouts: extraction.Timeouts{Navigate: time.Second}}.withDefaults()
	if custom.NavigationsPerSecond != 2 || custom.Timeouts.Navigate != time.Second {
		t.Fatalf("expected overrides preserved, got %+v", custom)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name string
		err  error
		ctx  context.Context
		want extraction.FailureClass
	}{
		{"caller cancelled", errors.New("chromedp run: context canceled"), cancelled, extraction.FailureCancelled},
		{"budget expired", context.DeadlineExceeded, live, extraction.FailureTransient},
		{"tab died", context.Canceled, live, extraction.FailureTransient},
		{"selector missing", errors.New("could not find node for selector"), live, extraction.FailurePermanent},
		{"network", errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), live, extraction.FailureTransient},
		{"unknown", errors.New("something odd"), live, extraction.FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extraction.Classify(classify(tc.err, tc.ctx))
			if got != tc.want {
				t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyPreservesExistingClass(t *testing.T) {
	t.Parallel()

	in := extraction.Permanent(errors.New("already tagged"))
	out := classify(in, context.Background())
	if extraction.Classify(out) != extraction.FailurePermanent {
		t.Fatalf("expected permanent to survive, got %v", out)
	}
}

func TestExtractPlacesScriptShape(t *testing.T) {
	t.Parallel()

	script := extractPlacesScript(25)
	if !strings.Contains(script, "out.length >= 25") {
		t.Fatalf("expected max results folded into script:\n%s", script)
	}
	if !strings.Contains(script, `div[role="feed"]`) {
		t.Fatal("expected feed selector in script")
	}
}

func TestPlaceItemDecodeAndConvert(t *testing.T) {
	t.Parallel()

	payload := `[{"name":"Casa Lucio","address":"Calle Cava Baja 35","category":"Restaurant",
		"rating":4.6,"review_count":1234,"phone":"+34 913 65 32 52","website":"https://casalucio.es",
		"latitude":40.4117,"longitude":-3.7094}]`
	var items []placeItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	rec := items[0].toRecord()
	if rec.Name != "Casa Lucio" || rec.Rating == nil || *rec.Rating != 4.6 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Latitude == nil || *rec.Latitude != 40.4117 {
		t.Fatalf("expected coordinates to survive, got %+v", rec)
	}
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})
	stop := forwardCancel(ctx, func() { close(fired) })
	cancel()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected cancel to forward")
	}
	stop()

	// Detached watcher must not fire after stop.
	ctx2, cancel2 := context.WithCancel(context.Background())
	fired2 := make(chan struct{})
	stop2 := forwardCancel(ctx2, func() { close(fired2) })
	stop2()
	cancel2()
	select {
	case <-fired2:
		t.Fatal("watcher fired after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
