// Package review holds the domain types shared by the reconciliation engine
// and the reference server: record identifiers, decision schemas, log entries,
// and the wire encodings both sides agree on.
package review

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RecordID identifies one reviewed record. The host page supplies it and the
// server echoes it back; some deployments use integers and some use strings,
// so it decodes from either JSON form.
type RecordID string

func (id *RecordID) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or number: %s", text)
	}
	*id = RecordID(n.String())
	return nil
}

func (id RecordID) String() string { return string(id) }

// Choice is one selectable value for a decision field.
type Choice struct {
	Value string
	Label string
}

// Field is a single decision axis: a name plus its ordered choices.
type Field struct {
	Name    string
	Label   string
	Choices []Choice
}

// Schema is the ordered set of decision fields for a session. Loaded once at
// startup and immutable afterwards.
type Schema []Field

// DefaultSchema matches the widget's built-in single review_status axis.
func DefaultSchema() Schema {
	return Schema{
		{
			Name:  "review_status",
			Label: "Review Status",
			Choices: []Choice{
				{Value: "unknown", Label: "unreviewed"},
				{Value: "good", Label: "good"},
				{Value: "bad", Label: "bad"},
			},
		},
	}
}

// Has reports whether the schema defines the named field.
func (s Schema) Has(name string) bool {
	for _, field := range s {
		if field.Name == name {
			return true
		}
	}
	return false
}

// maxDecisionPairLen caps a single "field:value" pair on the wire.
const maxDecisionPairLen = 257

// EncodeDecisions renders decisions as the wire string "field:value;field:value",
// ordered by the schema so the output is stable. Fields absent from the map are
// omitted.
func EncodeDecisions(schema Schema, decisions map[string]string) string {
	pairs := make([]string, 0, len(decisions))
	for _, field := range schema {
		value, ok := decisions[field.Name]
		if !ok {
			continue
		}
		pairs = append(pairs, field.Name+":"+value)
	}
	return strings.Join(pairs, ";")
}

// ParseDecisions splits the wire string back into a map. Pairs longer than the
// wire cap are truncated before splitting, matching the server of record.
func ParseDecisions(encoded string) (map[string]string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("empty decisions string")
	}
	decisions := make(map[string]string)
	for _, pair := range strings.Split(encoded, ";") {
		if len(pair) > maxDecisionPairLen {
			pair = pair[:maxDecisionPairLen]
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed decision pair %q", pair)
		}
		decisions[name] = value
	}
	return decisions, nil
}

// LogEntry is one free-text note attached to a record. ID is zero for entries
// that have not yet round-tripped through the server.
type LogEntry struct {
	ID       int64    `json:"id,omitempty"`
	RecordID RecordID `json:"pk,omitempty"`
	Reviewer string   `json:"r"`
	Message  string   `json:"m"`
	TS       int64    `json:"ts"`
}

// InsertByID inserts entry into a newest-first slice, keeping entries with
// server ids ordered by id descending. Entries without an id sort first, as
// they are newer than anything the server has numbered.
func InsertByID(entries []LogEntry, entry LogEntry) []LogEntry {
	at := sort.Search(len(entries), func(i int) bool {
		if entries[i].ID == 0 {
			return false
		}
		return entry.ID == 0 || entries[i].ID < entry.ID
	})
	entries = append(entries, LogEntry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = entry
	return entries
}

// flexString accepts a JSON string or number; content type ids appear as both.
func flexString(data []byte) (string, error) {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return "", nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		err := json.Unmarshal(data, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", text)
	}
	return n.String(), nil
}

func parseEpoch(value any) int64 {
	switch v := value.(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case float64:
		return int64(v)
	}
	return 0
}
