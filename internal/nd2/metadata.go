package nd2

import (
	"fmt"
	"math"
	"unicode/utf16"
)

// Metadata is a decoded "LV" (variant) metadata block. Values are the Go
// types of the stored fields; nested levels are Metadata and repeated names
// collapse into []any.
type Metadata map[string]any

// Variant field types.
const (
	typeUint8   = 1
	typeInt32   = 2
	typeUint32  = 3
	typeInt64   = 4
	typeUint64  = 5
	typeFloat64 = 6
	typePointer = 7
	typeString  = 8
	typeBytes   = 9
	typeLevel   = 11
)

// DecodeMetadata decodes every record in an LV block.
func DecodeMetadata(data []byte) (Metadata, error) {
	return decodeRecords(data, -1)
}

func decodeRecords(data []byte, count int) (Metadata, error) {
	md := Metadata{}
	pos := 0
	for n := 0; (count < 0 || n < count) && pos+2 <= len(data); n++ {
		start := pos
		typ := data[pos]
		nameLen := int(data[pos+1]) * 2
		pos += 2
		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("%w: metadata name overruns block", ErrCorrupt)
		}
		name := trimNUL(decodeUTF16(data[pos : pos+nameLen]))
		pos += nameLen

		need := func(n int) error {
			if n < 0 || n > len(data)-pos {
				return fmt.Errorf("%w: metadata field %q truncated", ErrCorrupt, name)
			}
			return nil
		}

		var value any
		switch typ {
		case typeUint8:
			if err := need(1); err != nil {
				return nil, err
			}
			value = data[pos]
			pos++
		case typeInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			value = int32(le.Uint32(data[pos:]))
			pos += 4
		case typeUint32:
			if err := need(4); err != nil {
				return nil, err
			}
			value = le.Uint32(data[pos:])
			pos += 4
		case typeInt64:
			if err := need(8); err != nil {
				return nil, err
			}
			value = int64(le.Uint64(data[pos:]))
			pos += 8
		case typeUint64, typePointer:
			if err := need(8); err != nil {
				return nil, err
			}
			value = le.Uint64(data[pos:])
			pos += 8
		case typeFloat64:
			if err := need(8); err != nil {
				return nil, err
			}
			value = math.Float64frombits(le.Uint64(data[pos:]))
			pos += 8
		case typeString:
			end := pos
			for end+1 < len(data) && (data[end] != 0 || data[end+1] != 0) {
				end += 2
			}
			if end+1 >= len(data) {
				return nil, fmt.Errorf("%w: unterminated string %q", ErrCorrupt, name)
			}
			value = decodeUTF16(data[pos:end])
			pos = end + 2
		case typeBytes:
			if err := need(8); err != nil {
				return nil, err
			}
			size := le.Uint64(data[pos:])
			pos += 8
			if size > uint64(len(data)-pos) {
				return nil, fmt.Errorf("%w: byte array %q claims %d bytes", ErrCorrupt, name, size)
			}
			value = append([]byte(nil), data[pos:pos+int(size)]...)
			pos += int(size)
		case typeLevel:
			if err := need(12); err != nil {
				return nil, err
			}
			items := int(le.Uint32(data[pos:]))
			length := le.Uint64(data[pos+4:])
			pos += 12
			// length counts from the start of this record.
			if length < uint64(pos-start) || length-uint64(pos-start) > uint64(len(data)-pos) {
				return nil, fmt.Errorf("%w: level %q has invalid length %d", ErrCorrupt, name, length)
			}
			remaining := int(length) - (pos - start)
			nested, err := decodeRecords(data[pos:pos+remaining], items)
			if err != nil {
				return nil, fmt.Errorf("level %q: %w", name, err)
			}
			value = nested
			pos += remaining
			// Per-item offset table; not needed for decoding.
			if items > (len(data)-pos)/8 {
				pos = len(data)
			} else {
				pos += items * 8
			}
		default:
			return nil, fmt.Errorf("%w: unknown metadata type %d for %q", ErrCorrupt, typ, name)
		}

		md.add(name, value)
	}
	return md, nil
}

func (m Metadata) add(name string, value any) {
	existing, ok := m[name]
	if !ok {
		m[name] = value
		return
	}
	if list, ok := existing.([]any); ok {
		m[name] = append(list, value)
		return
	}
	m[name] = []any{existing, value}
}

// Find returns the first value stored under key, searching nested levels
// depth first.
func (m Metadata) Find(key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for _, v := range m {
		switch child := v.(type) {
		case Metadata:
			if found, ok := child.Find(key); ok {
				return found, true
			}
		case []any:
			for _, item := range child {
				if lvl, ok := item.(Metadata); ok {
					if found, ok := lvl.Find(key); ok {
						return found, true
					}
				}
			}
		}
	}
	return nil, false
}

// Int looks up key with Find and converts any integer field to int.
func (m Metadata) Int(key string) (int, bool) {
	v, ok := m.Find(key)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Float looks up key with Find and converts any numeric field to float64.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m.Find(key)
	if !ok {
		return 0, false
	}
	if f, ok := v.(float64); ok {
		return f, true
	}
	i, ok := toInt(v)
	return float64(i), ok
}

// Level returns the nested level stored directly under key.
func (m Metadata) Level(key string) (Metadata, bool) {
	switch v := m[key].(type) {
	case Metadata:
		return v, true
	case []any:
		if len(v) > 0 {
			lvl, ok := v[0].(Metadata)
			return lvl, ok
		}
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint8:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = le.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

func trimNUL(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}
