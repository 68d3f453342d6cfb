package collection

import (
	"encoding/json"
	"fmt"
)

// SerKind describes how a column value is serialized onto the wire.
//
// The rules matter: grave object IDs and note checksums can exceed 53-bit
// precision on receiving platforms and must travel as JSON strings, while
// every other integer column stays a JSON integer. Violating this breaks
// client deserialization.
type SerKind int

const (
	// SerInt is an integer column emitted as a JSON number.
	SerInt SerKind = iota

	// SerIntAsString is an integer column emitted as a JSON string
	// (note checksums, grave IDs).
	SerIntAsString

	// SerString is a text column.
	SerString

	// SerFloat is a floating-point column (card factors in some versions).
	SerFloat
)

// Column pairs a column name with its wire serialization kind.
type Column struct {
	Name string
	Kind SerKind
}

// Row is one table row as wire values, ordered per the table descriptor.
type Row []any

// encodeValue converts a database value to its wire form per kind.
func encodeValue(v any, kind SerKind) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case SerInt:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}

		return n, nil
	case SerIntAsString:
		n, err := toInt64(v)
		if err != nil {
			// Some clients already store checksums as text.
			if s, ok := v.(string); ok {
				return s, nil
			}

			return nil, err
		}

		return fmt.Sprintf("%d", n), nil
	case SerString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case SerFloat:
		switch f := v.(type) {
		case float64:
			return f, nil
		case int64:
			return float64(f), nil
		default:
			return nil, fmt.Errorf("collection: value %T is not a float", v)
		}
	default:
		return nil, fmt.Errorf("collection: unknown serialization kind %d", kind)
	}
}

// decodeValue converts a wire value (from JSON with UseNumber) back to a
// database-storable value per kind.
func decodeValue(v any, kind SerKind) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case SerInt, SerIntAsString:
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case string:
			// IntAsString arrives as a string; integer columns sent as
			// strings by lenient clients are tolerated too.
			var num json.Number = json.Number(n)
			return num.Int64()
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		default:
			return nil, fmt.Errorf("collection: value %T is not an integer", v)
		}
	case SerString:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		default:
			return nil, fmt.Errorf("collection: value %T is not a string", v)
		}
	case SerFloat:
		switch f := v.(type) {
		case json.Number:
			return f.Float64()
		case float64:
			return f, nil
		default:
			return nil, fmt.Errorf("collection: value %T is not a float", v)
		}
	default:
		return nil, fmt.Errorf("collection: unknown serialization kind %d", kind)
	}
}

// toInt64 coerces the sqlite driver's integer representations.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		var num json.Number = json.Number(string(n))
		return num.Int64()
	case string:
		var num json.Number = json.Number(n)
		return num.Int64()
	default:
		return 0, fmt.Errorf("collection: value %T is not an integer", v)
	}
}
