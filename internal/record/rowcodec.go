package record

import (
	"errors"
	"fmt"
	"math"

	"github.com/tuannm99/novasql/internal/alias/bx"
)

// ---- Errors ----
var (
	ErrSchemaMismatch             = errors.New("rowcodec: schema/values mismatch")
	ErrSchemaMismatchNotAllowNull = errors.New("rowcodec: non-nullable column received nil")
	ErrSchemaMismatchNotInt32     = errors.New("rowcodec: value is not an int32-compatible type")
	ErrBadBuffer                  = errors.New("rowcodec: buffer underflow/overflow")
	ErrVarTooLong                 = errors.New("rowcodec: variable length exceeds u16")
	ErrUnsupportedType            = errors.New("rowcodec: unsupported type")
	ErrFixedCharTooLong           = errors.New("rowcodec: value exceeds FIXED_CHAR column length")
)

// ---- EncodeRow(schema, values) -> []byte ----
// Format:
// [nullmap: ceil(N/8) bytes, bit=1 => NULL]  |  [field0 data?] [field1 data?] ...
// Varlen types (TEXT/BYTES): u16 length (LE) + data.
// FIXED_CHAR(n): exactly n bytes, zero-padded. DATE: int64 days-since-epoch,
// encoded like ColInt64.
func EncodeRow(s Schema, values []any) ([]byte, error) {
	nc := s.NumCols()
	if len(values) != nc {
		return nil, fmt.Errorf("%w: got %d values, schema has %d columns", ErrSchemaMismatch, len(values), nc)
	}

	nbBytes := (nc + 7) / 8
	out := make([]byte, nbBytes)

	for i, col := range s.Cols {
		v := values[i]
		if v == nil {
			if !col.Nullable {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatchNotAllowNull, col.Name)
			}
			out[i/8] |= 1 << (uint(i) & 7)
			continue
		}

		switch col.Type {
		case ColInt32:
			x, ok := asInt32(v)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatchNotInt32, col.Name)
			}
			var b [4]byte
			bx.PutU32(b[:], uint32(x))
			out = append(out, b[:]...)

		case ColInt64, ColDate:
			x, ok := asInt64(v)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			var b [8]byte
			bx.PutU64(b[:], uint64(x))
			out = append(out, b[:]...)

		case ColBool:
			x, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			if x {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}

		case ColFloat64:
			x, ok := asFloat64(v)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			var b [8]byte
			bx.PutU64(b[:], math.Float64bits(x))
			out = append(out, b[:]...)

		case ColText:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			bs := []byte(str)
			if len(bs) > math.MaxUint16 {
				return nil, ErrVarTooLong
			}
			var l [2]byte
			bx.PutU16(l[:], uint16(len(bs)))
			out = append(out, l[:]...)
			out = append(out, bs...)

		case ColBytes:
			bs, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			if len(bs) > math.MaxUint16 {
				return nil, ErrVarTooLong
			}
			var l [2]byte
			bx.PutU16(l[:], uint16(len(bs)))
			out = append(out, l[:]...)
			out = append(out, bs...)

		case ColFixedChar:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %q", ErrSchemaMismatch, col.Name)
			}
			bs := []byte(str)
			if len(bs) > col.Len {
				return nil, fmt.Errorf("%w: column %q (len %d > %d)", ErrFixedCharTooLong, col.Name, len(bs), col.Len)
			}
			field := make([]byte, col.Len)
			copy(field, bs)
			out = append(out, field...)

		default:
			return nil, ErrUnsupportedType
		}
	}
	return out, nil
}

// ---- DecodeRow(schema, buf) -> []any ----
func DecodeRow(s Schema, buf []byte) ([]any, error) {
	nc := s.NumCols()
	nbBytes := (nc + 7) / 8
	if len(buf) < nbBytes {
		return nil, ErrBadBuffer
	}
	nullmap := buf[:nbBytes]
	i := nbBytes

	out := make([]any, nc)
	for colIdx, col := range s.Cols {
		isNull := (nullmap[colIdx/8]>>(uint(colIdx)&7))&1 == 1
		if isNull {
			out[colIdx] = nil
			continue
		}

		switch col.Type {
		case ColInt32:
			if i+4 > len(buf) {
				return nil, ErrBadBuffer
			}
			out[colIdx] = int32(bx.U32(buf[i : i+4]))
			i += 4

		case ColInt64, ColDate:
			if i+8 > len(buf) {
				return nil, ErrBadBuffer
			}
			out[colIdx] = int64(bx.U64(buf[i : i+8]))
			i += 8

		case ColBool:
			if i+1 > len(buf) {
				return nil, ErrBadBuffer
			}
			out[colIdx] = buf[i] != 0
			i++

		case ColFloat64:
			if i+8 > len(buf) {
				return nil, ErrBadBuffer
			}
			out[colIdx] = math.Float64frombits(bx.U64(buf[i : i+8]))
			i += 8

		case ColText:
			if i+2 > len(buf) {
				return nil, ErrBadBuffer
			}
			l := int(bx.U16(buf[i : i+2]))
			i += 2
			if i+l > len(buf) {
				return nil, ErrBadBuffer
			}
			out[colIdx] = string(buf[i : i+l])
			i += l

		case ColBytes:
			if i+2 > len(buf) {
				return nil, ErrBadBuffer
			}
			l := int(bx.U16(buf[i : i+2]))
			i += 2
			if i+l > len(buf) {
				return nil, ErrBadBuffer
			}
			cp := make([]byte, l)
			copy(cp, buf[i:i+l])
			out[colIdx] = cp
			i += l

		case ColFixedChar:
			if i+col.Len > len(buf) {
				return nil, ErrBadBuffer
			}
			field := buf[i : i+col.Len]
			// Trim trailing zero padding.
			end := len(field)
			for end > 0 && field[end-1] == 0 {
				end--
			}
			out[colIdx] = string(field[:end])
			i += col.Len

		default:
			return nil, ErrUnsupportedType
		}
	}

	return out, nil
}

// DecodeColumns decodes only the columns named by colIdxs out of an encoded
// row, in schema order but returned in colIdxs order. Varlen columns force a
// sequential walk of every column regardless of which ones are requested, but
// values for unrequested columns are never materialized.
func DecodeColumns(s Schema, buf []byte, colIdxs []int) ([]any, error) {
	nc := s.NumCols()
	nbBytes := (nc + 7) / 8
	if len(buf) < nbBytes {
		return nil, ErrBadBuffer
	}
	nullmap := buf[:nbBytes]
	i := nbBytes

	want := make(map[int]int, len(colIdxs))
	for outIdx, colIdx := range colIdxs {
		want[colIdx] = outIdx
	}
	out := make([]any, len(colIdxs))

	for colIdx, col := range s.Cols {
		outIdx, wanted := want[colIdx]

		isNull := (nullmap[colIdx/8]>>(uint(colIdx)&7))&1 == 1
		if isNull {
			if wanted {
				out[outIdx] = nil
			}
			continue
		}

		switch col.Type {
		case ColInt32:
			if i+4 > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				out[outIdx] = int32(bx.U32(buf[i : i+4]))
			}
			i += 4

		case ColInt64, ColDate:
			if i+8 > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				out[outIdx] = int64(bx.U64(buf[i : i+8]))
			}
			i += 8

		case ColBool:
			if i+1 > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				out[outIdx] = buf[i] != 0
			}
			i++

		case ColFloat64:
			if i+8 > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				out[outIdx] = math.Float64frombits(bx.U64(buf[i : i+8]))
			}
			i += 8

		case ColText:
			if i+2 > len(buf) {
				return nil, ErrBadBuffer
			}
			l := int(bx.U16(buf[i : i+2]))
			i += 2
			if i+l > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				out[outIdx] = string(buf[i : i+l])
			}
			i += l

		case ColBytes:
			if i+2 > len(buf) {
				return nil, ErrBadBuffer
			}
			l := int(bx.U16(buf[i : i+2]))
			i += 2
			if i+l > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				cp := make([]byte, l)
				copy(cp, buf[i:i+l])
				out[outIdx] = cp
			}
			i += l

		case ColFixedChar:
			if i+col.Len > len(buf) {
				return nil, ErrBadBuffer
			}
			if wanted {
				field := buf[i : i+col.Len]
				end := len(field)
				for end > 0 && field[end-1] == 0 {
					end--
				}
				out[outIdx] = string(field[:end])
			}
			i += col.Len

		default:
			return nil, ErrUnsupportedType
		}
	}

	return out, nil
}

func asInt32(v any) (int32, bool) {
	switch x := v.(type) {
	case int32:
		return x, true
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
