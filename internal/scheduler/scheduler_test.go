package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

type fakeSubmitter struct {
	alerts []models.Alert
}

func (f *fakeSubmitter) Submit(alert models.Alert) (string, error) {
	f.alerts = append(f.alerts, alert)
	return "id", nil
}

type fakeStats struct {
	stats memory.Stats
}

func (f *fakeStats) Stats(ctx context.Context) (memory.Stats, error) {
	return f.stats, nil
}

type fakeSink struct {
	calls []string
}

func (f *fakeSink) PublishReport(ctx context.Context, period string, stats memory.Stats) error {
	f.calls = append(f.calls, period)
	return nil
}

func TestRunOnceFiresSyntheticJobWhenDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sub := &fakeSubmitter{}
	s := New(sub, nil, WithNow(clock))
	s.AddSyntheticJob("health-check", 5*time.Minute, "warning", map[string]string{"instance": "host-1"})

	now = now.Add(5 * time.Minute)
	ran := s.RunOnce(context.Background())
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if len(sub.alerts) != 1 {
		t.Fatalf("alerts submitted = %d, want 1", len(sub.alerts))
	}
	if sub.alerts[0].Labels["instance"] != "host-1" {
		t.Fatalf("labels not propagated: %v", sub.alerts[0].Labels)
	}
}

func TestRunOnceSkipsJobNotYetDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sub := &fakeSubmitter{}
	s := New(sub, nil, WithNow(clock))
	s.AddSyntheticJob("health-check", 5*time.Minute, "warning", nil)

	ran := s.RunOnce(context.Background())
	if ran != 0 {
		t.Fatalf("ran = %d, want 0", ran)
	}
	if len(sub.alerts) != 0 {
		t.Fatalf("alerts submitted = %d, want 0", len(sub.alerts))
	}
}

func TestRunOnceGeneratesDistinctFingerprintsPerFiring(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sub := &fakeSubmitter{}
	s := New(sub, nil, WithNow(clock))
	s.AddSyntheticJob("health-check", time.Minute, "warning", nil)

	now = now.Add(time.Minute)
	s.RunOnce(context.Background())
	now = now.Add(time.Minute)
	s.RunOnce(context.Background())

	if len(sub.alerts) != 2 {
		t.Fatalf("alerts submitted = %d, want 2", len(sub.alerts))
	}
	if sub.alerts[0].Fingerprint == sub.alerts[1].Fingerprint {
		t.Fatalf("expected distinct fingerprints, got %q twice", sub.alerts[0].Fingerprint)
	}
}

func TestRunOnceFiresReportJob(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	stats := &fakeStats{stats: memory.Stats{TotalRecords: 10, SuccessRate: 0.9}}
	sink := &fakeSink{}
	s := New(nil, stats, WithNow(clock), WithReportSink(sink))
	s.AddReportJob("daily-report", 24*time.Hour, "daily")

	now = now.Add(24 * time.Hour)
	ran := s.RunOnce(context.Background())
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if len(sink.calls) != 1 || sink.calls[0] != "daily" {
		t.Fatalf("report sink calls = %v", sink.calls)
	}
}

func TestJobsReturnsSnapshot(t *testing.T) {
	s := New(nil, nil)
	s.AddSyntheticJob("a", time.Minute, "warning", nil)
	s.AddReportJob("b", time.Hour, "daily")

	jobs := s.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	jobs[0].ID = "mutated"
	if s.Jobs()[0].ID == "mutated" {
		t.Fatalf("Jobs() should return a copy, not a live reference")
	}
}
