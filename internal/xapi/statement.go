package xapi

import (
	"reflect"
	"time"
)

// VoidingVerb is the reserved verb identifier marking a statement as a
// retraction of another statement.
const VoidingVerb = "http://adlnet.gov/expapi/verbs/voided"

// Statement is a generic xAPI statement document. Schema validation against
// the full xAPI vocabulary happens upstream; the store only relies on the
// fields accessed through the helpers below.
type Statement map[string]any

func (s Statement) ID() string        { return stringField(s, "id") }
func (s Statement) Timestamp() string { return stringField(s, "timestamp") }
func (s Statement) Stored() string    { return stringField(s, "stored") }

// VerbID returns the statement's verb identifier, or "" when absent.
func (s Statement) VerbID() string {
	verb, _ := s["verb"].(map[string]any)
	return stringField(verb, "id")
}

// Object returns the statement's object document, or nil when absent.
func (s Statement) Object() map[string]any {
	object, _ := s["object"].(map[string]any)
	return object
}

// ObjectID returns the statement object's identifier, or "" when absent.
func (s Statement) ObjectID() string {
	return stringField(s.Object(), "id")
}

// IsVoiding reports whether the statement retracts another statement: its
// verb is the voiding verb and its object is a StatementRef.
func (s Statement) IsVoiding() bool {
	if s.VerbID() != VoidingVerb {
		return false
	}
	return stringField(s.Object(), "objectType") == "StatementRef"
}

// VoidedTargetID returns the id of the statement referenced by a voiding
// statement's StatementRef object.
func (s Statement) VoidedTargetID() string {
	return s.ObjectID()
}

// Equivalent reports whether two statements carry the same content, ignoring
// the server-assigned `stored` field. Resubmission of equivalent content under
// an existing id is an idempotent no-op; differing content is a conflict.
func (s Statement) Equivalent(other Statement) bool {
	return reflect.DeepEqual(withoutStored(s), withoutStored(other))
}

// Clone returns a deep copy of the statement.
func (s Statement) Clone() Statement {
	return Statement(deepCopy(map[string]any(s)))
}

// HasRequiredFields reports whether the statement carries the fields the
// store itself depends on: id, actor, verb and object.
func (s Statement) HasRequiredFields() bool {
	for _, field := range []string{"id", "actor", "verb", "object"} {
		if _, ok := s[field]; !ok {
			return false
		}
	}
	return true
}

// ParseTimestamp parses the statement timestamp. The zero time and false are
// returned when the timestamp is absent or unparsable.
func (s Statement) ParseTimestamp() (time.Time, bool) {
	return ParseTime(s.Timestamp())
}

// ParseTime parses an ISO 8601 / RFC 3339 time string.
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Now formats a server-side timestamp the way statements store them.
func Now(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

func withoutStored(s Statement) map[string]any {
	if _, ok := s["stored"]; !ok {
		return s
	}
	trimmed := make(map[string]any, len(s))
	for k, v := range s {
		if k == "stored" {
			continue
		}
		trimmed[k] = v
	}
	return trimmed
}

func deepCopy(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return deepCopy(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
