package driver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fwaytoday/iot-dc3/metadata"
)

// DefaultTimeout bounds adapter I/O when no timeout attribute is set.
const DefaultTimeout = 5 * time.Second

// Required returns the named attribute or an error naming it.
func Required(attrs metadata.Attributes, name string) (metadata.AttributeInfo, error) {
	attr, ok := attrs[name]
	if !ok || strings.TrimSpace(attr.Value) == "" {
		return metadata.AttributeInfo{}, fmt.Errorf("attribute %q is required", name)
	}
	return attr, nil
}

// String returns the named attribute or def.
func String(attrs metadata.Attributes, name, def string) string {
	if attr, ok := attrs[name]; ok && strings.TrimSpace(attr.Value) != "" {
		return strings.TrimSpace(attr.Value)
	}
	return def
}

// Int returns the named attribute as an integer or def when absent.
func Int(attrs metadata.Attributes, name string, def int64) (int64, error) {
	attr, ok := attrs[name]
	if !ok || strings.TrimSpace(attr.Value) == "" {
		return def, nil
	}
	v, err := attr.Int()
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return v, nil
}

// Timeout reads the "timeout" attribute, given either as a duration string
// or as milliseconds, falling back to DefaultTimeout.
func Timeout(attrs metadata.Attributes) time.Duration {
	raw := strings.TrimSpace(attrs["timeout"].Value)
	if raw == "" {
		return DefaultTimeout
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return DefaultTimeout
}
