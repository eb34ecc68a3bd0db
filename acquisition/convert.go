package acquisition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"github.com/fwaytoday/iot-dc3/metadata"
)

// Converter turns raw adapter readings into point values: numeric readings
// are scaled as base + raw*multiple, optionally transformed by the point's
// expression, and rendered according to the point type and format.
type Converter struct {
	programs sync.Map // transform source -> *vm.Program
}

// NewConverter returns a converter with an empty program cache.
func NewConverter() *Converter {
	return &Converter{}
}

// Convert renders raw as the value of point.
func (c *Converter) Convert(point metadata.Point, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case point.Type.Numeric():
		return c.numeric(point, raw)
	case point.Type == metadata.TypeBool:
		b, err := parseBool(raw)
		if err != nil {
			return "", fmt.Errorf("point %s: %w", point.ID, err)
		}
		if point.Transform == "" {
			return strconv.FormatBool(b), nil
		}
		out, err := c.run(point.Transform, b)
		if err != nil {
			return "", fmt.Errorf("point %s: %w", point.ID, err)
		}
		return fmt.Sprint(out), nil
	default:
		if point.Transform == "" {
			return raw, nil
		}
		out, err := c.run(point.Transform, raw)
		if err != nil {
			return "", fmt.Errorf("point %s: %w", point.ID, err)
		}
		return fmt.Sprint(out), nil
	}
}

func (c *Converter) numeric(point metadata.Point, raw string) (string, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("point %s: %q is not numeric", point.ID, raw)
	}
	multiple := point.Multiple
	if multiple == 0 {
		multiple = 1
	}
	scaled := decimal.NewFromFloat(point.Base).Add(d.Mul(decimal.NewFromFloat(multiple)))

	if point.Transform != "" {
		f, _ := scaled.Float64()
		out, err := c.run(point.Transform, f)
		if err != nil {
			return "", fmt.Errorf("point %s: %w", point.ID, err)
		}
		v, ok := toDecimal(out)
		if !ok {
			return "", fmt.Errorf("point %s: transform returned %T, want a number", point.ID, out)
		}
		scaled = v
	}

	switch point.Type {
	case metadata.TypeInt, metadata.TypeLong:
		return scaled.Round(0).String(), nil
	default:
		if point.Format >= 0 {
			return scaled.StringFixed(int32(point.Format)), nil
		}
		return scaled.String(), nil
	}
}

func (c *Converter) run(source string, value any) (any, error) {
	program, err := c.program(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, map[string]any{"value": value})
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", source, err)
	}
	return out, nil
}

func (c *Converter) program(source string) (*vm.Program, error) {
	if p, ok := c.programs.Load(source); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(source, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile transform %q: %w", source, err)
	}
	actual, _ := c.programs.LoadOrStore(source, program)
	return actual.(*vm.Program), nil
}

// InRange reports whether a numeric value lies within the point's documented
// bounds. Non-numeric values and unbounded points are always in range.
func InRange(point metadata.Point, value string) bool {
	if !point.Type.Numeric() {
		return true
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return true
	}
	if point.Minimum != nil && d.LessThan(decimal.NewFromFloat(*point.Minimum)) {
		return false
	}
	if point.Maximum != nil && d.GreaterThan(decimal.NewFromFloat(*point.Maximum)) {
		return false
	}
	return true
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "on", "yes":
		return true, nil
	case "0", "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%q is not a boolean", raw)
	}
	return b, nil
}

func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case uint64:
		if v > math.MaxInt64 {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(int64(v)), true
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}
