package shmim

// DataType identifies the pixel element type of an image stream.
//
// The numeric values are part of the on-disk and on-wire contract and must
// not be renumbered.
type DataType uint8

const (
	UInt8   DataType = 1
	Int8    DataType = 2
	UInt16  DataType = 3
	Int16   DataType = 4
	UInt32  DataType = 5
	Int32   DataType = 6
	UInt64  DataType = 7
	Int64   DataType = 8
	Float32 DataType = 9
	Float64 DataType = 10
)

// Size returns the size in bytes of one pixel of this type, or 0 for an
// unrecognised code.
func (d DataType) Size() int {
	switch d {
	case UInt8, Int8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case UInt64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is one of the recognised datatype codes.
func (d DataType) Valid() bool {
	return d.Size() != 0
}

// String returns a human-readable name for the datatype.
func (d DataType) String() string {
	switch d {
	case UInt8:
		return "uint8"
	case Int8:
		return "int8"
	case UInt16:
		return "uint16"
	case Int16:
		return "int16"
	case UInt32:
		return "uint32"
	case Int32:
		return "int32"
	case UInt64:
		return "uint64"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}
