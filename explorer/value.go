package explorer

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type ValueKind uint8

const (
	ValueNumber ValueKind = iota
	ValueBool
	ValueString
	ValueOpaque
)

func (k ValueKind) String() string {
	switch k {
	case ValueNumber:
		return "number"
	case ValueBool:
		return "boolean"
	case ValueString:
		return "string"
	default:
		return "opaque"
	}
}

// Value is a tagged variant over everything a vendor state field can
// hold. The set of qualified state names is open, so anything that is
// not a JSON scalar stays around verbatim as an opaque blob instead of
// being rejected.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
	// compacted raw JSON, only set for ValueOpaque
	Raw string
}

func NumberValue(f float64) Value { return Value{Kind: ValueNumber, Num: f} }
func BoolValue(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }
func StringValue(s string) Value  { return Value{Kind: ValueString, Str: s} }

// ParseValue maps a raw JSON value onto the variant. Invalid JSON is
// still kept, as an opaque string of the original bytes.
func ParseValue(raw json.RawMessage) Value {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{Kind: ValueOpaque, Raw: string(raw)}
	}
	switch t := v.(type) {
	case float64:
		return Value{Kind: ValueNumber, Num: t}
	case bool:
		return Value{Kind: ValueBool, Bool: t}
	case string:
		return Value{Kind: ValueString, Str: t}
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return Value{Kind: ValueOpaque, Raw: string(raw)}
		}
		return Value{Kind: ValueOpaque, Raw: buf.String()}
	}
}

// Equal is plain value equality on the typed payload. Kind mismatch is
// always a change, vendors do flip field types between firmwares.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueNumber:
		return v.Num == o.Num
	case ValueBool:
		return v.Bool == o.Bool
	case ValueString:
		return v.Str == o.Str
	default:
		return v.Raw == o.Raw
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueString:
		return v.Str
	default:
		return v.Raw
	}
}

// MarshalJSON keeps scalars native and tags anything opaque, so the
// diagnostics document stays parseable whatever the vendor sends.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueString:
		return json.Marshal(v.Str)
	default:
		return json.Marshal(map[string]string{"opaque": v.Raw})
	}
}
