package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fwaytoday/iot-dc3/metadata"
)

// Function selects the Modbus table a point lives in.
type Function int

// Function codes of the four tables.
const (
	FunctionCoil          Function = 1
	FunctionDiscreteInput Function = 2
	FunctionHolding       Function = 3
	FunctionInput         Function = 4
)

// ParseFunction accepts a function code or a table name.
func ParseFunction(raw string) (Function, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "coil", "coils":
		return FunctionCoil, nil
	case "2", "discrete", "discrete_input", "discrete_inputs":
		return FunctionDiscreteInput, nil
	case "", "3", "holding", "holding_register", "holding_registers":
		return FunctionHolding, nil
	case "4", "input", "input_register", "input_registers":
		return FunctionInput, nil
	default:
		return 0, fmt.Errorf("unsupported function %q", raw)
	}
}

// Bits reports whether the table holds single bits.
func (f Function) Bits() bool {
	return f == FunctionCoil || f == FunctionDiscreteInput
}

// Writable reports whether the master may write the table.
func (f Function) Writable() bool {
	return f == FunctionCoil || f == FunctionHolding
}

// DataType is the register encoding of a point.
type DataType string

// Register encodings.
const (
	DataBool    DataType = "bool"
	DataInt16   DataType = "int16"
	DataUint16  DataType = "uint16"
	DataInt32   DataType = "int32"
	DataUint32  DataType = "uint32"
	DataFloat32 DataType = "float32"
	DataFloat64 DataType = "float64"
)

// ParseDataType defaults the encoding from the point type when raw is empty.
func ParseDataType(raw string, typ metadata.ValueType) (DataType, error) {
	switch dt := DataType(strings.ToLower(strings.TrimSpace(raw))); dt {
	case DataBool, DataInt16, DataUint16, DataInt32, DataUint32, DataFloat32, DataFloat64:
		return dt, nil
	case "":
		switch typ {
		case metadata.TypeBool:
			return DataBool, nil
		case metadata.TypeFloat:
			return DataFloat32, nil
		case metadata.TypeDouble:
			return DataFloat64, nil
		case metadata.TypeLong:
			return DataInt32, nil
		default:
			return DataInt16, nil
		}
	default:
		return "", fmt.Errorf("unsupported data type %q", raw)
	}
}

// Registers returns the number of 16-bit registers the encoding spans.
func (d DataType) Registers() uint16 {
	switch d {
	case DataInt32, DataUint32, DataFloat32:
		return 2
	case DataFloat64:
		return 4
	default:
		return 1
	}
}

// reorder returns the register bytes rearranged into big-endian ABCD order.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within
// words) and "CDAB" (word swap). Longer values repeat the pattern per
// 32-bit half.
func reorder(in []byte, order string) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	order = strings.ToUpper(strings.TrimSpace(order))
	if len(in) == 2 {
		if order == "BADC" || order == "DCBA" {
			out[0], out[1] = in[1], in[0]
		}
		return out
	}
	for i := 0; i+4 <= len(in); i += 4 {
		a, b, c, d := in[i], in[i+1], in[i+2], in[i+3]
		switch order {
		case "DCBA":
			out[i], out[i+1], out[i+2], out[i+3] = d, c, b, a
		case "BADC":
			out[i], out[i+1], out[i+2], out[i+3] = b, a, d, c
		case "CDAB":
			out[i], out[i+1], out[i+2], out[i+3] = c, d, a, b
		}
	}
	if len(in) == 8 && (order == "DCBA" || order == "CDAB") {
		// word order also reverses across the two halves
		out = append(out[4:8:8], out[0:4]...)
	}
	return out
}

// decodeRegisters renders register bytes as the textual reading.
func decodeRegisters(raw []byte, dt DataType, order string, bit int) (string, error) {
	need := int(dt.Registers()) * 2
	if len(raw) < need {
		return "", fmt.Errorf("short response: %d bytes, want %d", len(raw), need)
	}
	b := reorder(raw[:need], order)
	switch dt {
	case DataBool:
		word := binary.BigEndian.Uint16(b)
		if bit >= 0 {
			if bit >= 16 {
				return "", fmt.Errorf("bit index %d out of range", bit)
			}
			return strconv.FormatBool(word&(1<<uint(bit)) != 0), nil
		}
		return strconv.FormatBool(word != 0), nil
	case DataInt16:
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(b))), 10), nil
	case DataUint16:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(b)), 10), nil
	case DataInt32:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(b))), 10), nil
	case DataUint32:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10), nil
	case DataFloat32:
		f := math.Float32frombits(binary.BigEndian.Uint32(b))
		return decimal.NewFromFloat32(f).String(), nil
	case DataFloat64:
		f := math.Float64frombits(binary.BigEndian.Uint64(b))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("register value is not a finite number")
		}
		return decimal.NewFromFloat(f).String(), nil
	default:
		return "", fmt.Errorf("unsupported data type %q", dt)
	}
}

// decodeBit extracts the first bit of a coil or discrete input response.
func decodeBit(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return strconv.FormatBool(raw[0]&0x01 == 1), nil
}

// encodeRegisters renders value in dt, in the device's byte order.
func encodeRegisters(value string, dt DataType, order string) ([]byte, error) {
	value = strings.TrimSpace(value)
	var b []byte
	switch dt {
	case DataBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", value)
		}
		b = make([]byte, 2)
		if v {
			binary.BigEndian.PutUint16(b, 1)
		}
	case DataInt16, DataUint16, DataInt32, DataUint32:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("%q is not numeric", value)
		}
		n := d.Round(0).IntPart()
		lo, hi := intRange(dt)
		if n < lo || n > hi {
			return nil, fmt.Errorf("value %s out of range for %s", value, dt)
		}
		b = make([]byte, dt.Registers()*2)
		if dt.Registers() == 1 {
			binary.BigEndian.PutUint16(b, uint16(n))
		} else {
			binary.BigEndian.PutUint32(b, uint32(n))
		}
	case DataFloat32:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("%q is not numeric", value)
		}
		b = make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
	case DataFloat64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not numeric", value)
		}
		b = make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
	default:
		return nil, fmt.Errorf("unsupported data type %q", dt)
	}
	// every supported order is its own inverse
	return reorder(b, order), nil
}

func intRange(dt DataType) (int64, int64) {
	switch dt {
	case DataInt16:
		return math.MinInt16, math.MaxInt16
	case DataUint16:
		return 0, math.MaxUint16
	case DataInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return 0, math.MaxUint32
	}
}
