package events

import (
	"fmt"
	"strings"

	"github.com/hyperjump/tanya/internal/models"
)

type templateKey struct {
	typ    models.EventType
	status models.EventStatus
}

// templates holds the user-facing message for each (type, status). Placeholders
// in braces are filled from event data.
var templates = map[templateKey]string{
	{models.EventTypeMessage, models.EventStatusStarted}:      "Received your question",
	{models.EventTypeMessage, models.EventStatusCompleted}:    "Answer ready",
	{models.EventTypeMessage, models.EventStatusFailed}:       "Something went wrong while answering",
	{models.EventTypeRetrieval, models.EventStatusStarted}:    "Searching {collection}",
	{models.EventTypeRetrieval, models.EventStatusProgress}:   "Reading {count} relevant passages",
	{models.EventTypeRetrieval, models.EventStatusCompleted}:  "Found {count} relevant passages",
	{models.EventTypeRetrieval, models.EventStatusFailed}:     "Could not search {collection}",
	{models.EventTypeGeneration, models.EventStatusStarted}:   "Writing an answer",
	{models.EventTypeGeneration, models.EventStatusProgress}:  "Writing an answer",
	{models.EventTypeGeneration, models.EventStatusCompleted}: "Answer written",
	{models.EventTypeGeneration, models.EventStatusFailed}:    "Could not write an answer",
	{models.EventTypeIndexing, models.EventStatusStarted}:     "Indexing {total} items",
	{models.EventTypeIndexing, models.EventStatusProgress}:    "Indexed {processed} of {total} items",
	{models.EventTypeIndexing, models.EventStatusCompleted}:   "Indexing finished: {processed} items indexed, {failed} failed",
	{models.EventTypeIndexing, models.EventStatusFailed}:      "Indexing stopped: {error}",
	{models.EventTypeError, models.EventStatusFailed}:         "An error occurred: {error}",
}

// Message renders the user-facing message for an event type and status.
// Missing placeholders render as empty strings.
func Message(typ models.EventType, status models.EventStatus, data map[string]any) string {
	tmpl, ok := templates[templateKey{typ, status}]
	if !ok {
		return fmt.Sprintf("%s %s", typ, status)
	}
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:open])
		if v, ok := data[tmpl[open+1:open+end]]; ok && v != nil {
			fmt.Fprint(&b, v)
		}
		tmpl = tmpl[open+end+1:]
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
