package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Blob is one review object as it travels over the wire: a flat JSON object
// whose pk, type, and ts keys are envelope fields and whose remaining keys are
// decision fields. A ts of zero means the entry has no server clock yet.
type Blob struct {
	PK        RecordID
	Type      string
	TS        int64
	Decisions map[string]string
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	raw := make(map[string]any)
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	blob := Blob{Decisions: make(map[string]string)}
	for key, value := range raw {
		switch key {
		case "pk":
			encoded, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if err := blob.PK.UnmarshalJSON(encoded); err != nil {
				return err
			}
		case "type":
			encoded, err := json.Marshal(value)
			if err != nil {
				return err
			}
			text, err := flexString(encoded)
			if err != nil {
				return fmt.Errorf("review type: %w", err)
			}
			blob.Type = text
		case "ts":
			blob.TS = parseEpoch(value)
		default:
			if text, ok := value.(string); ok {
				blob.Decisions[key] = text
			}
		}
	}
	if blob.PK == "" {
		return fmt.Errorf("review object missing pk")
	}
	*b = blob
	return nil
}

func (b Blob) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(b.Decisions)+3)
	for key, value := range b.Decisions {
		raw[key] = value
	}
	raw["pk"] = string(b.PK)
	raw["type"] = b.Type
	if b.TS != 0 {
		raw["ts"] = b.TS
	}
	return json.Marshal(raw)
}

// FocusMark is one soft-presence row: who is attending which record. On the
// wire it is the 4-tuple [contentType, pk, userLabel, epochSeconds].
type FocusMark struct {
	Type string
	PK   RecordID
	Name string
	TS   int64
}

func (m *FocusMark) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 4 {
		return fmt.Errorf("focus mark must have 4 elements, got %d", len(parts))
	}
	mark := FocusMark{}
	var err error
	if mark.Type, err = flexString(parts[0]); err != nil {
		return fmt.Errorf("focus type: %w", err)
	}
	if err := mark.PK.UnmarshalJSON(parts[1]); err != nil {
		return fmt.Errorf("focus pk: %w", err)
	}
	if err := json.Unmarshal(parts[2], &mark.Name); err != nil {
		return fmt.Errorf("focus name: %w", err)
	}
	if err := json.Unmarshal(parts[3], &mark.TS); err != nil {
		return fmt.Errorf("focus timestamp: %w", err)
	}
	*m = mark
	return nil
}

func (m FocusMark) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Type, string(m.PK), m.Name, m.TS})
}

// PollSnapshot is the server's global view returned by the current/ endpoint.
// The server does not filter by the caller's last-seen timestamp; recency
// filtering is the client's job.
type PollSnapshot struct {
	Focus   []FocusMark `json:"focus"`
	Reviews []Blob      `json:"reviews"`
}

// LogBatch is the note history for one record, newest first.
type LogBatch struct {
	PK      RecordID   `json:"pk"`
	Type    string     `json:"type"`
	Entries []LogEntry `json:"m"`
}

// History is the bulk-load response. Reviews and Logs are positionally aligned
// with the requested ids, with nulls for records the server has nothing for,
// but consumers must re-key by the embedded pk rather than trust the order.
type History struct {
	Reviews   []*Blob     `json:"reviews"`
	Logs      []*LogBatch `json:"logs"`
	CanDelete bool        `json:"can_delete"`
}

// SortFocusLabels collapses focus marks for one record into a canonical label
// set: deduplicated and sorted so value comparison with a previous set is
// order-independent.
func SortFocusLabels(labels []string) []string {
	if len(labels) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(labels))
	canonical := make([]string, 0, len(labels))
	for _, label := range labels {
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		canonical = append(canonical, label)
	}
	sort.Strings(canonical)
	return canonical
}
