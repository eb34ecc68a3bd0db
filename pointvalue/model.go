// Package pointvalue implements the ingestion path and the value queries of
// the gateway.
package pointvalue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fwaytoday/iot-dc3/metadata"
)

// Wildcard stands in for the point id of a multi parent in cache keys.
const Wildcard = "*"

// PointValue is one captured reading. A multi device reports a parent with an
// empty PointID whose readings are in Children.
type PointValue struct {
	// ID is assigned to query results for display only.
	ID         int64              `json:"id"`
	DeviceID   string             `json:"deviceId"`
	PointID    string             `json:"pointId,omitempty"`
	RawValue   string             `json:"rawValue,omitempty"`
	Value      string             `json:"value"`
	Type       metadata.ValueType `json:"type,omitempty"`
	Multi      bool               `json:"multi,omitempty"`
	Children   []PointValue       `json:"children,omitempty"`
	OriginTime time.Time          `json:"originTime"`
	CreateTime time.Time          `json:"createTime"`
	// TTL overrides the configured cache expiry when positive.
	TTL time.Duration `json:"-"`
}

// Typed converts Value according to Type.
func (v PointValue) Typed() (any, error) {
	raw := strings.TrimSpace(v.Value)
	switch v.Type {
	case metadata.TypeInt, metadata.TypeLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("point %s: %q is not an integer", v.PointID, v.Value)
		}
		return n, nil
	case metadata.TypeFloat, metadata.TypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("point %s: %q is not a number", v.PointID, v.Value)
		}
		return f, nil
	case metadata.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("point %s: %q is not a boolean", v.PointID, v.Value)
		}
		return b, nil
	default:
		return v.Value, nil
	}
}

// Count returns the number of rows the value occupies in a listing: itself
// plus its children.
func (v PointValue) Count() int {
	return 1 + len(v.Children)
}

// Pages selects a page and an optional origin time range.
type Pages struct {
	Current int64
	Size    int64
	Start   time.Time
	End     time.Time
}

const (
	defaultCurrent = 1
	defaultSize    = 20
)

func (p Pages) normalised() Pages {
	if p.Current <= 0 {
		p.Current = defaultCurrent
	}
	if p.Size <= 0 {
		p.Size = defaultSize
	}
	return p
}

// HasRange reports whether the time range applies: both bounds are set and
// Start is not after End.
func (p Pages) HasRange() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && !p.Start.After(p.End)
}

// Filter selects point values for List.
type Filter struct {
	DeviceID string
	PointID  string
	Page     Pages
}

// Page is one page of a List result.
type Page struct {
	Current int64        `json:"current"`
	Size    int64        `json:"size"`
	Total   int64        `json:"total"`
	Records []PointValue `json:"records"`
}

// Criteria is the store-level form of a query.
type Criteria struct {
	DeviceID string
	// PointID matches the value's own point id.
	PointID string
	// ChildPointID matches a child of a multi parent.
	ChildPointID string
	// AnyPointID matches either the own point id or a child's.
	AnyPointID string
	MultiOnly  bool
	Start      time.Time
	End        time.Time
	Offset     int64
	Limit      int64
}
