package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/models"
)

func TestParseOutputFormat(t *testing.T) {
	for _, s := range []string{"text", "json"} {
		if _, err := ParseOutputFormat(s); err != nil {
			t.Errorf("ParseOutputFormat(%q): %v", s, err)
		}
	}
	if _, err := ParseOutputFormat("yaml"); err == nil {
		t.Error("ParseOutputFormat(yaml) should fail")
	}
}

func TestWriteStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := &models.IndexingStatus{
		CollectionID:    "c1",
		IndexedCount:    3,
		PendingCount:    1,
		FailedCount:     1,
		ProgressPercent: 60,
		LastIndexedAt:   &at,
		Documents:       models.UnitCounts{Indexed: 1, Pending: 1},
		Webpages:        models.UnitCounts{Indexed: 2, Failed: 1},
		ChunkCount:      12,
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"progress:          60.00%", "indexed:           3   # documents 1, webpages 2", "chunks:            12", "2026-03-01T10:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteStatus(&buf, st, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.IndexingStatus
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.ProgressPercent != 60 || decoded.Webpages.Failed != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWriteJobs(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJobs(&buf, nil, OutputText); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "no jobs" {
		t.Errorf("empty list output = %q", buf.String())
	}

	buf.Reset()
	job := &models.Job{ID: "j1", State: models.JobStatePartial, Scope: models.JobScopeCollection,
		ProcessedCount: 4, FailedUnitIDs: []string{"u9"}, Error: ""}
	if err := WriteJob(&buf, job, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "j1  partial") || !strings.Contains(out, "failed unit: u9") {
		t.Errorf("job output:\n%s", out)
	}
}

func TestWriteEventsAndHits(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evs := []*models.ChatEvent{{
		SessionID: "s1", EventType: models.EventTypeIndexing, EventStatus: models.EventStatusProgress,
		UserFacingMessage: "Indexed 3 of 10 items", Timestamp: ts,
	}}
	var buf bytes.Buffer
	if err := WriteEvents(&buf, evs, OutputText); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.Contains(got, "10:00:00.000  indexing   progress   Indexed 3 of 10 items") {
		t.Errorf("event output = %q", got)
	}

	buf.Reset()
	hits := []*models.ChunkHit{{Chunk: models.Chunk{UnitID: "u1", Content: strings.Repeat("word ", 100)}, Rank: 1, Score: 0.5}}
	if err := WriteHits(&buf, hits, OutputText); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.Contains(got, "Found 1 passages") || !strings.Contains(got, "...") {
		t.Errorf("hits output = %q", got)
	}
}

func TestWriteAnswer(t *testing.T) {
	ans := &chat.Answer{Text: "Fourteen days.", Sources: []*models.ChunkHit{{Chunk: models.Chunk{UnitID: "u1", Content: "permits are issued within fourteen days"}}}}
	var buf bytes.Buffer
	if err := WriteAnswer(&buf, ans, OutputText); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.HasPrefix(got, "Fourteen days.\n") || !strings.Contains(got, "[1] u1") {
		t.Errorf("answer output = %q", got)
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		s        string
		maxWords int
		want     string
	}{
		{"a b c", 5, "a b c"},
		{"a  b\nc", 5, "a b c"},
		{"a b c d", 2, "a b..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := TruncateWords(tt.s, tt.maxWords); got != tt.want {
			t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
		}
	}
}
