package watchdog

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingExpirer struct {
	mu      sync.Mutex
	cutoffs []time.Time
	expired int
}

func (r *recordingExpirer) ExpireStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return r.expired
}

func (r *recordingExpirer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestSweepUsesTimeoutCutoff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	expirer := &recordingExpirer{expired: 2}
	core, logs := observer.New(zapcore.WarnLevel)

	w, err := New(expirer, Config{
		Timeout: 90 * time.Second,
		Clock:   func() time.Time { return now },
		Logger:  zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build watchdog: %v", err)
	}

	if expired := w.Sweep(); expired != 2 {
		t.Fatalf("expected 2 expired attempts, got %d", expired)
	}
	if got := expirer.cutoffs[0]; !got.Equal(now.Add(-90 * time.Second)) {
		t.Fatalf("unexpected cutoff %v", got)
	}
	entries := logs.FilterMessage("expired stale signing attempts").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if count, ok := entries[0].ContextMap()["count"].(int64); !ok || count != 2 {
		t.Fatalf("unexpected logged count %v", entries[0].ContextMap()["count"])
	}
}

func TestSweepIsQuietWhenNothingExpires(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w, err := New(&recordingExpirer{}, Config{Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build watchdog: %v", err)
	}
	if expired := w.Sweep(); expired != 0 {
		t.Fatalf("expected no expired attempts, got %d", expired)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no warnings, got %d", logs.Len())
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	if _, err := New(&recordingExpirer{}, Config{Schedule: "every sometimes"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := New(nil, Config{}); err != errMissingExpirer {
		t.Fatalf("expected missing expirer error, got %v", err)
	}
}

func TestStartRunsSweepOnSchedule(t *testing.T) {
	expirer := &recordingExpirer{}
	w, err := New(expirer, Config{Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("failed to build watchdog: %v", err)
	}
	w.Start()
	defer func() { <-w.Stop().Done() }()

	deadline := time.Now().Add(5 * time.Second)
	for expirer.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
