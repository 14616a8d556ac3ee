package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is an opaque key-value payload attached to transitions and events.
// It serializes to a JSON column in the persistence layer.
type Metadata map[string]any

// Value implements driver.Valuer for JSON column storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSON column retrieval.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
}

// Clone returns a shallow copy. Nested values are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StringList is a string slice stored as a JSON column.
type StringList []string

// Value implements driver.Valuer for JSON column storage.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for JSON column retrieval.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("string list: cannot scan %T", src)
	}
}
