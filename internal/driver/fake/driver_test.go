package fake

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

func mustOpen(t *testing.T, d *Driver) extraction.Session {
	t.Helper()
	sess, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return sess
}

func TestParseResultsDeterministic(t *testing.T) {
	t.Parallel()

	driver := New(Config{PlacesPerCity: 3})
	ctx := context.Background()
	url := extraction.BuildSearchURL("restaurants", "Madrid", "en")

	sess := mustOpen(t, driver)
	if err := sess.Navigate(ctx, url); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	first, err := sess.ParseResults(ctx, 50)
	if err != nil {
		t.Fatalf("ParseResults() error = %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 records, got %d", len(first))
	}
	if !strings.Contains(first[0].Name, "Madrid") {
		t.Fatalf("expected city in name, got %q", first[0].Name)
	}
	if len(first[0].Reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(first[0].Reviews))
	}

	again, err := sess.ParseResults(ctx, 50)
	if err != nil {
		t.Fatalf("second ParseResults() error = %v", err)
	}
	for i := range first {
		if first[i].Name != again[i].Name || *first[i].Rating != *again[i].Rating {
			t.Fatalf("expected deterministic output, run1=%+v run2=%+v", first[i], again[i])
		}
	}
}

func TestParseResultsHonorsMaxResults(t *testing.T) {
	t.Parallel()

	driver := New(Config{PlacesPerCity: 10})
	ctx := context.Background()
	sess := mustOpen(t, driver)
	if err := sess.Navigate(ctx, extraction.BuildSearchURL("cafes", "Porto", "")); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	records, err := sess.ParseResults(ctx, 4)
	if err != nil {
		t.Fatalf("ParseResults() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected max results cap, got %d", len(records))
	}
}

func TestFailureInjection(t *testing.T) {
	t.Parallel()

	driver := New(Config{})
	ctx := context.Background()
	madrid := extraction.BuildSearchURL("restaurants", "Madrid", "en")
	porto := extraction.BuildSearchURL("restaurants", "Porto", "en")

	driver.FailTransiently("Madrid", 1)
	driver.FailPermanently("Porto")

	sess := mustOpen(t, driver)
	if err := sess.Navigate(ctx, madrid); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	_, err := sess.ParseResults(ctx, 10)
	if extraction.Classify(err) != extraction.FailureTransient {
		t.Fatalf("first parse = %v, want transient", err)
	}
	if _, err := sess.ParseResults(ctx, 10); err != nil {
		t.Fatalf("second parse should succeed, got %v", err)
	}

	if err := sess.Navigate(ctx, porto); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	_, err = sess.ParseResults(ctx, 10)
	if extraction.Classify(err) != extraction.FailurePermanent {
		t.Fatalf("porto parse = %v, want permanent", err)
	}
}

func TestCrashKillsSession(t *testing.T) {
	t.Parallel()

	driver := New(Config{})
	ctx := context.Background()
	url := extraction.BuildSearchURL("bars", "Valencia", "es")
	driver.CrashOn("Valencia")

	sess := mustOpen(t, driver)
	if err := sess.Navigate(ctx, url); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	_, err := sess.ParseResults(ctx, 10)
	if extraction.Classify(err) != extraction.FailureTransient {
		t.Fatalf("crash parse = %v, want transient", err)
	}
	if _, err := sess.CurrentURL(ctx); err == nil {
		t.Fatal("expected dead session to keep failing")
	}

	replacement := mustOpen(t, driver)
	if err := replacement.Navigate(ctx, url); err != nil {
		t.Fatalf("replacement Navigate() error = %v", err)
	}
	if _, err := replacement.CurrentURL(ctx); err != nil {
		t.Fatalf("replacement should be healthy, got %v", err)
	}
}

func TestFailOpens(t *testing.T) {
	t.Parallel()

	driver := New(Config{})
	driver.FailOpens(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := driver.Open(ctx); extraction.Classify(err) != extraction.FailureTransient {
			t.Fatalf("open %d = %v, want transient", i, err)
		}
	}
	if _, err := driver.Open(ctx); err != nil {
		t.Fatalf("third open should succeed, got %v", err)
	}
	if driver.Opens() != 3 {
		t.Fatalf("expected 3 opens counted, got %d", driver.Opens())
	}
}

func TestCaptureImageVariesByURL(t *testing.T) {
	t.Parallel()

	driver := New(Config{})
	ctx := context.Background()
	sess := mustOpen(t, driver)

	if err := sess.Navigate(ctx, extraction.BuildSearchURL("restaurants", "Madrid", "en")); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	frameA, err := sess.CaptureImage(ctx)
	if err != nil {
		t.Fatalf("CaptureImage() error = %v", err)
	}
	if !bytes.HasPrefix(frameA, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatal("expected PNG bytes")
	}

	if err := sess.Navigate(ctx, extraction.BuildSearchURL("restaurants", "Barcelona", "en")); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	frameB, err := sess.CaptureImage(ctx)
	if err != nil {
		t.Fatalf("CaptureImage() error = %v", err)
	}
	if bytes.Equal(frameA, frameB) {
		t.Fatal("expected different frames for different pages")
	}
}

func TestCityFromSearchURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{extraction.BuildSearchURL("restaurants", "Madrid", "en"), "Madrid"},
		{extraction.BuildSearchURL("tapas bars", "San Sebastian", ""), "San Sebastian"},
		{"https://example.com/none", "example.com"},
	}
	for _, tc := range cases {
		if got := cityFromSearchURL(tc.raw); got != tc.want {
			t.Fatalf("cityFromSearchURL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	driver := New(Config{})
	sess := mustOpen(t, driver)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Navigate(ctx, "x"); extraction.Classify(err) != extraction.FailureCancelled {
		t.Fatalf("Navigate() = %v, want cancelled", err)
	}
}
