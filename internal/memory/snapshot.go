package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/easeaico/adk-session-memory/internal/content"
)

type snapshotEventRecord struct {
	EventID   string         `json:"event_id,omitempty"`
	Author    string         `json:"author"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Content   content.Record `json:"content"`
}

// marshalSnapshotEvents encodes snapshot events with their content in
// codec form.
func marshalSnapshotEvents(events []SnapshotEvent) ([]byte, error) {
	recs := make([]snapshotEventRecord, 0, len(events))
	for _, ev := range events {
		recs = append(recs, snapshotEventRecord{
			EventID:   ev.EventID,
			Author:    ev.Author,
			Timestamp: ev.Timestamp,
			Content:   content.Serialize(ev.Content),
		})
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot events: %w", err)
	}
	return b, nil
}

// likePattern builds a LIKE pattern matching word anywhere, with the LIKE
// wildcards in word escaped by a backslash.
func likePattern(word string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(word) + "%"
}
