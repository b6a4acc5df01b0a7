package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteStatus writes a collection's indexing status.
func WriteStatus(w io.Writer, st *models.IndexingStatus, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "collection:        %s\n", st.CollectionID)
	fmt.Fprintf(w, "progress:          %.2f%%\n", st.ProgressPercent)
	fmt.Fprintf(w, "indexed:           %d   # documents %d, webpages %d\n", st.IndexedCount, st.Documents.Indexed, st.Webpages.Indexed)
	fmt.Fprintf(w, "pending:           %d   # documents %d, webpages %d\n", st.PendingCount, st.Documents.Pending, st.Webpages.Pending)
	fmt.Fprintf(w, "failed:            %d   # documents %d, webpages %d\n", st.FailedCount, st.Documents.Failed, st.Webpages.Failed)
	fmt.Fprintf(w, "chunks:            %d\n", st.ChunkCount)
	if st.LastIndexedAt != nil {
		fmt.Fprintf(w, "last_indexed_at:   %s\n", st.LastIndexedAt.Format(time.RFC3339))
	}
	return nil
}

// WriteJobs writes a job list, one line per job.
func WriteJobs(w io.Writer, jobs []*models.Job, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}
	for _, j := range jobs {
		writeJobLine(w, j)
	}
	return nil
}

// WriteJob writes a single job.
func WriteJob(w io.Writer, j *models.Job, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, j)
	}
	writeJobLine(w, j)
	if j.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", j.Error)
	}
	for _, id := range j.FailedUnitIDs {
		fmt.Fprintf(w, "  failed unit: %s\n", id)
	}
	return nil
}

func writeJobLine(w io.Writer, j *models.Job) {
	fmt.Fprintf(w, "%s  %-9s  %-10s  processed %d  failed %d  created %s\n",
		j.ID, j.State, j.Scope, j.ProcessedCount, len(j.FailedUnitIDs), j.CreatedAt.Format(time.RFC3339))
}

// WriteEvent writes one event line.
func WriteEvent(w io.Writer, ev *models.ChatEvent, format OutputFormat) error {
	if format == OutputJSON {
		return json.NewEncoder(w).Encode(ev)
	}
	fmt.Fprintf(w, "%s  %-10s %-9s  %s\n",
		ev.Timestamp.Format("15:04:05.000"), ev.EventType, ev.EventStatus, ev.UserFacingMessage)
	return nil
}

// WriteEvents writes a session's events.
func WriteEvents(w io.Writer, evs []*models.ChatEvent, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, evs)
	}
	for _, ev := range evs {
		if err := WriteEvent(w, ev, format); err != nil {
			return err
		}
	}
	return nil
}

// WriteHits writes retrieval results.
func WriteHits(w io.Writer, hits []*models.ChunkHit, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, hits)
	}
	fmt.Fprintf(w, "\nFound %d passages\n\n", len(hits))
	for _, h := range hits {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (Keyword: %.4f, Semantic: %.4f)\n",
			h.Rank, h.Score, h.KeywordScore, h.SemanticScore)
		fmt.Fprintf(w, "Unit: %s  chunk %d\n", h.UnitID, h.ChunkIndex)
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(strings.TrimSpace(h.Content), 200))
	}
	return nil
}

// WriteAnswer writes a chat answer and its sources.
func WriteAnswer(w io.Writer, ans *chat.Answer, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, ans)
	}
	fmt.Fprintf(w, "%s\n", ans.Text)
	if len(ans.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, h := range ans.Sources {
			fmt.Fprintf(w, "  [%d] %s  %s\n", i+1, h.UnitID, TruncateWords(h.Content, 12))
		}
	}
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
