package sink

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/stagerun/pkg/model"
)

func testSink(t *testing.T) *SQLiteSink {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := NewSQLiteSink(":memory:", logger)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTiming(run, stage string, d time.Duration) model.Timing {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.Timing{
		RunID:      run,
		Stage:      stage,
		Descriptor: stage + "[sub-01]",
		Executor:   model.ExecutorTypeBatch,
		ExternalID: "ext-" + stage,
		Attempts:   2,
		StartedAt:  start,
		FinishedAt: start.Add(d),
		Duration:   d,
	}
}

func TestSQLiteSink_RecordAndList(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	want := sampleTiming("run-1", "align", 90*time.Second)
	if err := s.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, sampleTiming("run-2", "qc", time.Second)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List(run-1) = %d records, want 1", len(got))
	}
	g := got[0]
	if g.Descriptor != want.Descriptor || g.Executor != want.Executor || g.Attempts != 2 || g.ExternalID != "ext-align" {
		t.Errorf("record = %+v", g)
	}
	if !g.StartedAt.Equal(want.StartedAt) || !g.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("times = %v..%v, want %v..%v", g.StartedAt, g.FinishedAt, want.StartedAt, want.FinishedAt)
	}
	if g.Duration != want.Duration {
		t.Errorf("Duration = %v, want %v", g.Duration, want.Duration)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(\"\") = %d records, want 2", len(all))
	}
}

func TestSQLiteSink_MigrateIdempotent(t *testing.T) {
	s := testSink(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMemory(t *testing.T) {
	var m Memory
	m.Record(context.Background(), sampleTiming("r", "a", time.Second))
	recs := m.Records()
	if len(recs) != 1 || recs[0].Stage != "a" {
		t.Errorf("Records() = %+v", recs)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "run-1", []model.Timing{
		sampleTiming("run-1", "align", 90*time.Second),
		sampleTiming("run-1", "qc", 500*time.Millisecond),
	})
	out := buf.String()
	for _, want := range []string{"Run: run-1", "align[sub-01]", "1m 30s", "500ms", "Stage qc: 500ms", "Jobs: 2 completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "", nil)
	if !strings.Contains(buf.String(), "No jobs completed.") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{65 * time.Second, "1m 05s"},
		{3*time.Hour + 2*time.Minute + 1*time.Second, "3h 02m 01s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
