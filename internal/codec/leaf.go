package codec

import (
	"math"
	"reflect"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/rickb777/date/v2"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

// Float cells SQLite cannot hold as REAL: it stores NaN as NULL and drops
// the sign of zero. Both texts must stay non-numeric, or REAL column
// affinity converts them back.
const (
	nanText     = "NaN"
	negZeroText = "-zero"
)

// DatetimeLayout is the text form of datetime cells. UTC instants end in
// "Z"; any other zone is kept as its numeric offset.
const DatetimeLayout = time.RFC3339Nano

func encodeLeaf(n *node, rv reflect.Value) (any, error) {
	kind := n.schema.Kind
	if !rv.IsValid() {
		if kind == types.KindJSON {
			return "null", nil
		}
		return nil, encodeErr(cerrors.CodeNonConforming, n.path, "missing %s value", kind)
	}

	switch kind {
	case types.KindString:
		return rv.String(), nil

	case types.KindInteger:
		switch rv.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, encodeErr(cerrors.CodeOverflow, n.path, "%d does not fit in a 64-bit signed cell", u)
			}
			return int64(u), nil
		default:
			return rv.Int(), nil
		}

	case types.KindFloat:
		f := rv.Float()
		switch {
		case math.IsNaN(f):
			return nanText, nil
		case f == 0 && math.Signbit(f):
			return negZeroText, nil
		}
		return f, nil

	case types.KindBoolean:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil

	case types.KindDatetime:
		t, ok := rv.Interface().(time.Time)
		if !ok {
			return nil, encodeErr(cerrors.CodeNonConforming, n.path, "%s is not a time.Time", rv.Type())
		}
		return t.Format(DatetimeLayout), nil

	case types.KindDate:
		d, ok := rv.Interface().(date.Date)
		if !ok {
			return nil, encodeErr(cerrors.CodeNonConforming, n.path, "%s is not a date.Date", rv.Type())
		}
		return d.String(), nil

	case types.KindBytes:
		// A nil slice is an empty BLOB; an empty one is a compressed block.
		if rv.IsNil() {
			return []byte{}, nil
		}
		return snappy.Encode(nil, rv.Bytes()), nil

	case types.KindJSON:
		b, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryEncode, cerrors.CodeNonConforming,
				displayPath(n.path)+": cannot serialize json value", err)
		}
		return string(b), nil

	case types.KindFault:
		f, ok := rv.Interface().(types.Fault)
		if !ok {
			return nil, encodeErr(cerrors.CodeNonConforming, n.path, "%s is not a Fault", rv.Type())
		}
		b, err := json.Marshal(f)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryEncode, cerrors.CodeNonConforming,
				displayPath(n.path)+": cannot serialize fault", err)
		}
		return string(b), nil
	}

	return nil, encodeErr(cerrors.CodeNonConforming, n.path, "unknown kind %q", kind)
}

func decodeLeaf(n *node, cell any) (reflect.Value, error) {
	kind := n.schema.Kind
	if cell == nil {
		return reflect.Value{}, decodeErr(cerrors.CodeNullLeaf, n.path, "required %s cell is NULL", kind)
	}
	out := reflect.New(n.goType).Elem()

	switch kind {
	case types.KindString:
		s, ok := textCell(cell)
		if !ok {
			return cellTypeErr(n, cell)
		}
		out.SetString(s)

	case types.KindInteger:
		i, ok := cell.(int64)
		if !ok {
			return cellTypeErr(n, cell)
		}
		switch out.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if i < 0 || out.OverflowUint(uint64(i)) {
				return reflect.Value{}, decodeErr(cerrors.CodeOverflow, n.path, "%d overflows %s", i, n.goType)
			}
			out.SetUint(uint64(i))
		default:
			if out.OverflowInt(i) {
				return reflect.Value{}, decodeErr(cerrors.CodeOverflow, n.path, "%d overflows %s", i, n.goType)
			}
			out.SetInt(i)
		}

	case types.KindFloat:
		var f float64
		switch c := cell.(type) {
		case float64:
			f = c
		case int64:
			f = float64(c)
		case string:
			switch c {
			case nanText:
				f = math.NaN()
			case negZeroText:
				f = math.Copysign(0, -1)
			default:
				return cellTypeErr(n, cell)
			}
		default:
			return cellTypeErr(n, cell)
		}
		if !math.IsNaN(f) && !math.IsInf(f, 0) && out.OverflowFloat(f) {
			return reflect.Value{}, decodeErr(cerrors.CodeOverflow, n.path, "%g overflows %s", f, n.goType)
		}
		out.SetFloat(f)

	case types.KindBoolean:
		switch c := cell.(type) {
		case int64:
			if c != 0 && c != 1 {
				return reflect.Value{}, decodeErr(cerrors.CodeCorruptionDetected, n.path, "boolean cell holds %d", c)
			}
			out.SetBool(c == 1)
		case bool:
			out.SetBool(c)
		default:
			return cellTypeErr(n, cell)
		}

	case types.KindDatetime:
		s, ok := textCell(cell)
		if !ok {
			return cellTypeErr(n, cell)
		}
		t, err := time.Parse(DatetimeLayout, s)
		if err != nil {
			return reflect.Value{}, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				displayPath(n.path)+": unreadable datetime", err)
		}
		out.Set(reflect.ValueOf(t))

	case types.KindDate:
		s, ok := textCell(cell)
		if !ok {
			return cellTypeErr(n, cell)
		}
		d, err := date.ParseISO(s)
		if err != nil {
			return reflect.Value{}, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				displayPath(n.path)+": unreadable date", err)
		}
		out.Set(reflect.ValueOf(d))

	case types.KindBytes:
		b, ok := cell.([]byte)
		if !ok {
			return cellTypeErr(n, cell)
		}
		if len(b) == 0 {
			break
		}
		raw, err := snappy.Decode(nil, b)
		if err != nil {
			return reflect.Value{}, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				displayPath(n.path)+": unreadable compressed bytes", err)
		}
		if raw == nil {
			raw = []byte{}
		}
		out.SetBytes(raw)

	case types.KindJSON:
		s, ok := textCell(cell)
		if !ok {
			return cellTypeErr(n, cell)
		}
		target := reflect.New(n.goType)
		if err := json.Unmarshal([]byte(s), target.Interface()); err != nil {
			return reflect.Value{}, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				displayPath(n.path)+": unreadable json", err)
		}
		out = target.Elem()

	case types.KindFault:
		s, ok := textCell(cell)
		if !ok {
			return cellTypeErr(n, cell)
		}
		var f types.Fault
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return reflect.Value{}, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				displayPath(n.path)+": unreadable fault", err)
		}
		out.Set(reflect.ValueOf(f))

	default:
		return reflect.Value{}, decodeErr(cerrors.CodeCorruptionDetected, n.path, "unknown kind %q", kind)
	}
	return out, nil
}

func textCell(cell any) (string, bool) {
	switch c := cell.(type) {
	case string:
		return c, true
	case []byte:
		return string(c), true
	}
	return "", false
}

func cellTypeErr(n *node, cell any) (reflect.Value, error) {
	return reflect.Value{}, decodeErr(cerrors.CodeCellType, n.path,
		"%s cell holds %T", n.schema.Kind, cell)
}
