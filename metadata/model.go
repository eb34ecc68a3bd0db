// Package metadata holds the driver's read-only view of devices, profiles,
// points and their protocol attributes.
package metadata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueType identifies how a point or attribute value is interpreted.
type ValueType string

const (
	TypeInt    ValueType = "int"
	TypeLong   ValueType = "long"
	TypeFloat  ValueType = "float"
	TypeDouble ValueType = "double"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
)

// ParseValueType normalises a type name. An empty name means string.
func ParseValueType(raw string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "string":
		return TypeString, nil
	case "int", "integer", "short":
		return TypeInt, nil
	case "long":
		return TypeLong, nil
	case "float":
		return TypeFloat, nil
	case "double":
		return TypeDouble, nil
	case "bool", "boolean":
		return TypeBool, nil
	default:
		return "", fmt.Errorf("unknown value type %q", raw)
	}
}

// Numeric reports whether values of the type are scaled as numbers.
func (t ValueType) Numeric() bool {
	switch t {
	case TypeInt, TypeLong, TypeFloat, TypeDouble:
		return true
	}
	return false
}

// DeviceStatus is the lifecycle state of a device.
type DeviceStatus string

const (
	StatusOnline   DeviceStatus = "online"
	StatusOffline  DeviceStatus = "offline"
	StatusMaintain DeviceStatus = "maintain"
	StatusFault    DeviceStatus = "fault"
)

// ParseDeviceStatus normalises a status name. An empty name means offline.
func ParseDeviceStatus(raw string) (DeviceStatus, error) {
	switch s := DeviceStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StatusOffline, nil
	case StatusOnline, StatusOffline, StatusMaintain, StatusFault:
		return s, nil
	default:
		return "", fmt.Errorf("unknown device status %q", raw)
	}
}

// AttributeInfo is one named protocol setting.
type AttributeInfo struct {
	Value string
	Type  ValueType
}

// ErrAttributeType reports a value that does not parse as the requested type.
var ErrAttributeType = errors.New("attribute value has wrong type")

// String returns the raw value.
func (a AttributeInfo) String() string {
	return a.Value
}

// Int parses the value as a base-10 integer.
func (a AttributeInfo) Int() (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(a.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrAttributeType, a.Value)
	}
	return v, nil
}

// Float parses the value as a float.
func (a AttributeInfo) Float() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(a.Value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrAttributeType, a.Value)
	}
	return v, nil
}

// Bool parses the value as a boolean.
func (a AttributeInfo) Bool() (bool, error) {
	v, err := strconv.ParseBool(strings.TrimSpace(a.Value))
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", ErrAttributeType, a.Value)
	}
	return v, nil
}

// UnmarshalYAML accepts either a bare scalar or a {value, type} mapping.
func (a *AttributeInfo) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Value = node.Value
		a.Type = scalarType(node)
		return nil
	case yaml.MappingNode:
		var raw struct {
			Value string `yaml:"value"`
			Type  string `yaml:"type"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		typ, err := ParseValueType(raw.Type)
		if err != nil {
			return err
		}
		a.Value, a.Type = raw.Value, typ
		return nil
	default:
		return fmt.Errorf("line %d: attribute must be a scalar or mapping", node.Line)
	}
}

func scalarType(node *yaml.Node) ValueType {
	switch node.ShortTag() {
	case "!!int":
		return TypeLong
	case "!!float":
		return TypeDouble
	case "!!bool":
		return TypeBool
	default:
		return TypeString
	}
}

// Device is the cached copy of a device record.
type Device struct {
	ID         string
	Name       string
	ProfileIDs []string
	Multi      bool
	Status     DeviceStatus
}

// Point describes one readable or writable value of a profile.
type Point struct {
	ID        string
	ProfileID string
	Name      string
	Type      ValueType
	Unit      string
	// Base and Multiple scale numeric readings: value = Base + raw*Multiple.
	Base     float64
	Multiple float64
	// Format is the number of decimal places kept for float and double
	// values. Negative disables rounding.
	Format    int
	Minimum   *float64
	Maximum   *float64
	Transform string
}

// Attributes is a flat set of named protocol settings.
type Attributes map[string]AttributeInfo

// DriverMetadata is one immutable snapshot of everything the driver polls.
type DriverMetadata struct {
	Devices          map[string]Device
	ProfilePoints    map[string]map[string]Point
	DeviceAttributes map[string]Attributes
	PointAttributes  map[string]map[string]Attributes
}

// NewDriverMetadata returns an empty snapshot with allocated maps.
func NewDriverMetadata() *DriverMetadata {
	return &DriverMetadata{
		Devices:          map[string]Device{},
		ProfilePoints:    map[string]map[string]Point{},
		DeviceAttributes: map[string]Attributes{},
		PointAttributes:  map[string]map[string]Attributes{},
	}
}
