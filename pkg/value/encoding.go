package value

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// AppendKey appends an order-preserving binary encoding of v to dst.
//
// The encoding starts with the kind byte, so values of different kinds never
// collide. Within a kind, byte order matches Compare order. Negative zero is
// folded into positive zero so that Equal values share a key.
//
// Encodings are self-delimiting: no encoding is a prefix of another, so keys
// of several values can be concatenated without ambiguity. Numbers and
// booleans have a fixed width. Text escapes every 0x00 byte as 0x00 0xFF
// and ends with 0x00 0x01.
func AppendKey(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindInt:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.i)^(1<<63))
	case KindBool:
		dst = append(dst, byte(v.i))
	case KindText:
		for i := 0; i < len(v.s); i++ {
			if c := v.s[i]; c == 0x00 {
				dst = append(dst, 0x00, 0xFF)
			} else {
				dst = append(dst, c)
			}
		}
		dst = append(dst, 0x00, 0x01)
	case KindFloat:
		f := v.f
		if f == 0 {
			f = 0
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = binary.BigEndian.AppendUint64(dst, bits)
	}
	return dst
}

// Key returns AppendKey(nil, v) as a string, convenient for map keys.
func Key(v Value) string {
	return string(AppendKey(nil, v))
}

// MarshalJSON encodes v with an explicit kind tag so that integers and
// floats survive a round trip through the durable backend.
//
//	{"int":30} {"float":"2.5"} {"text":"Alice"} {"bool":true} null
//
// Floats are carried as strings so NaN and infinities remain encodable.
// Text that is not valid UTF-8 would be altered by encoding/json, so it is
// carried as base64 under the "text64" tag instead.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return json.Marshal(map[string]int64{"int": v.i})
	case KindBool:
		return json.Marshal(map[string]bool{"bool": v.i != 0})
	case KindText:
		if !utf8.ValidString(v.s) {
			return json.Marshal(map[string]string{"text64": base64.StdEncoding.EncodeToString([]byte(v.s))})
		}
		return json.Marshal(map[string]string{"text": v.s})
	case KindFloat:
		return json.Marshal(map[string]string{"float": strconv.FormatFloat(v.f, 'g', -1, 64)})
	}
	return nil, fmt.Errorf("marshal value: unknown kind %d", v.kind)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("unmarshal value: expected one kind tag, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		switch tag {
		case "int":
			var i int64
			if err := json.Unmarshal(raw, &i); err != nil {
				return fmt.Errorf("unmarshal int value: %w", err)
			}
			*v = Int(i)
		case "bool":
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("unmarshal bool value: %w", err)
			}
			*v = Bool(b)
		case "text":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("unmarshal text value: %w", err)
			}
			*v = Text(s)
		case "text64":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("unmarshal text value: %w", err)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("unmarshal text value: %w", err)
			}
			*v = Text(string(b))
		case "float":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("unmarshal float value: %w", err)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("unmarshal float value: %w", err)
			}
			*v = Float(f)
		default:
			return fmt.Errorf("unmarshal value: unknown kind tag %q", tag)
		}
	}
	return nil
}
