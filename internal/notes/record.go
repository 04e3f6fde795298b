// Package notes implements the reliable-delivery core: normalizing raw
// stream fields into a canonical record, checking and recording
// idempotency, scheduling and draining delayed retries, handling a single
// delivery end to end, sweeping stuck deliveries back in, and running the
// main consume loop that ties all of it together.
package notes

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultEvent is used when neither the field map nor a decoded legacy
// payload names an event type.
const DefaultEvent = "notes.created"

// Record is the canonical, fixed-shape view of a stream entry once C3 has
// normalized it. NoteID and TraceID are empty when absent rather than
// pointers — both are optional, and an empty string and "never present"
// are handled identically everywhere they're read.
type Record struct {
	Event      string
	NoteID     string
	TraceID    string
	RetryCount int
	Payload    string
}

// Normalize converts a raw field map from the broker into a Record. It
// never fails: malformed input (non-numeric retry_count, non-JSON
// payload/data) degrades to empty/default fields rather than an error,
// so the handler can always proceed (P6).
func Normalize(fields map[string]string) Record {
	payload := fields["payload"]
	if payload == "" {
		payload = fields["data"]
	}
	if payload == "" {
		payload = "{}"
	}

	decoded := decodeLegacy(payload)

	noteID := fields["note_id"]
	if noteID == "" {
		noteID = stringify(decoded["note_id"])
	}
	if noteID == "" {
		noteID = stringify(decoded["id"])
	}

	traceID := fields["trace_id"]
	if traceID == "" {
		traceID = stringify(decoded["trace_id"])
	}

	event := fields["event"]
	if event == "" {
		event = stringify(decoded["event"])
	}
	if event == "" {
		event = DefaultEvent
	}

	return Record{
		Event:      event,
		NoteID:     noteID,
		TraceID:    traceID,
		RetryCount: parseRetryCount(fields["retry_count"]),
		Payload:    payload,
	}
}

// decodeLegacy attempts to JSON-decode a payload/data blob into a field
// map. A decode failure yields an empty map rather than an error, per the
// normalizer's never-fail contract.
func decodeLegacy(blob string) map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return map[string]interface{}{}
	}
	if out == nil {
		return map[string]interface{}{}
	}
	return out
}

func parseRetryCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// stringify renders a decoded JSON value (string or number) as a plain
// string, stringifying numeric note/trace ids the way a producer that
// sent a JSON number instead of a string would expect.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
