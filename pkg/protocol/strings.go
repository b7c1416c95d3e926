package protocol

import "fmt"

// StringTable is a per-session dictionary of interned component/channel
// names: id → string on the decode side. The first occurrence on the wire is
// a [id, string] pair that registers the entry; later occurrences carry the
// bare id. Mutated only by the owning session; viewers copy a snapshot.
type StringTable map[int64]string

// Snapshot returns a copy safe to hand to a viewer connection.
func (t StringTable) Snapshot() map[int64]string {
	out := make(map[int64]string, len(t))
	for id, s := range t {
		out[id] = s
	}
	return out
}

// DecodeInterned resolves a potentially interned value: a bare id, a
// [id, string] first-occurrence pair (which registers into the table), or a
// raw string for non-interned payloads.
func DecodeInterned(value any, table StringTable) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		if len(v) == 2 {
			id, okID := asInt64(v[0])
			s, okStr := v[1].(string)
			if okID && okStr {
				if table != nil {
					table[id] = s
				}
				return s
			}
		}
		return fmt.Sprintf("%v", v)
	default:
		if id, ok := asInt64(value); ok {
			if s, found := table[id]; found {
				return s
			}
			return fmt.Sprintf("<unknown:%d>", id)
		}
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	}
}

// InternEncoder assigns ids to strings on the encode side: the first
// occurrence produces [id, string], subsequent occurrences the bare id.
type InternEncoder struct {
	ids    map[string]int64
	nextID int64
}

// NewInternEncoder creates an encoder with ids starting at 1.
func NewInternEncoder() *InternEncoder {
	return &InternEncoder{ids: make(map[string]int64), nextID: 1}
}

// Encode returns the compact representation of value: nil for the empty
// string, a bare id for known strings, or a [id, string] pair for new ones.
func (e *InternEncoder) Encode(value string) any {
	if value == "" {
		return nil
	}
	if id, ok := e.ids[value]; ok {
		return id
	}
	id := e.nextID
	e.nextID++
	e.ids[value] = id
	return []any{id, value}
}
