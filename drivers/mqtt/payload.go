package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fwaytoday/iot-dc3/metadata"
)

// Payload encodings.
const (
	EncodingJSON   = "json"
	EncodingString = "string"
)

var errUnsupportedEncoding = errors.New("mqtt: unsupported payload encoding")

// PayloadConversion describes the wire form of a point's messages. Path
// selects a field of a JSON document; segments are separated by dots and
// numeric segments index arrays.
type PayloadConversion struct {
	Encoding string
	Path     string
}

func (c PayloadConversion) encoding() (string, error) {
	switch enc := strings.ToLower(strings.TrimSpace(c.Encoding)); enc {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingString, "text", "raw":
		return EncodingString, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedEncoding, c.Encoding)
	}
}

// Reading extracts the value of a point from a message payload.
func (c PayloadConversion) Reading(payload []byte, typ metadata.ValueType) (string, error) {
	enc, err := c.encoding()
	if err != nil {
		return "", err
	}
	raw := strings.TrimSpace(string(payload))
	if enc == EncodingJSON && json.Valid(payload) {
		raw, err = c.jsonField(payload)
		if err != nil {
			return "", err
		}
	}
	if raw == "" {
		return "", errors.New("mqtt: payload carries no value")
	}
	return checkType(raw, typ)
}

func (c PayloadConversion) jsonField(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("mqtt: decode json: %w", err)
	}
	if c.Path != "" {
		for _, segment := range strings.Split(c.Path, ".") {
			switch node := doc.(type) {
			case map[string]any:
				next, ok := node[segment]
				if !ok {
					return "", fmt.Errorf("mqtt: path %s: no field %q", c.Path, segment)
				}
				doc = next
			case []any:
				i, err := strconv.Atoi(segment)
				if err != nil || i < 0 || i >= len(node) {
					return "", fmt.Errorf("mqtt: path %s: bad index %q", c.Path, segment)
				}
				doc = node[i]
			default:
				return "", fmt.Errorf("mqtt: path %s: %q is not a container", c.Path, segment)
			}
		}
	}
	switch v := doc.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// checkType normalises booleans and rejects readings that do not parse as
// the point type.
func checkType(raw string, typ metadata.ValueType) (string, error) {
	switch typ {
	case metadata.TypeInt, metadata.TypeLong, metadata.TypeFloat, metadata.TypeDouble:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return "", fmt.Errorf("mqtt: %q is not a number", raw)
		}
	case metadata.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", fmt.Errorf("mqtt: %q is not a boolean", raw)
		}
		return strconv.FormatBool(b), nil
	}
	return raw, nil
}

// Encode renders a written value. JSON payloads carry numbers and booleans
// unquoted and strings quoted.
func (c PayloadConversion) Encode(value metadata.AttributeInfo) ([]byte, error) {
	enc, err := c.encoding()
	if err != nil {
		return nil, err
	}
	var text string
	switch value.Type {
	case metadata.TypeInt, metadata.TypeLong:
		n, err := value.Int()
		if err != nil {
			return nil, err
		}
		text = strconv.FormatInt(n, 10)
	case metadata.TypeFloat, metadata.TypeDouble:
		f, err := value.Float()
		if err != nil {
			return nil, err
		}
		text = strconv.FormatFloat(f, 'f', -1, 64)
	case metadata.TypeBool:
		b, err := value.Bool()
		if err != nil {
			return nil, err
		}
		text = strconv.FormatBool(b)
	default:
		if enc == EncodingJSON {
			return json.Marshal(value.Value)
		}
		return []byte(value.Value), nil
	}
	return []byte(text), nil
}
