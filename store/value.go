package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/KeckObservatory/mKTL/errors"
)

// The typed accessors below are the Go rendering of the reference
// library's operator forms: comparisons and arithmetic against an item
// work on its cached value without a wire round trip.

// Float returns the cached value as a float64.
func (i *Item) Float() (float64, error) {
	value, _ := i.CachedValue()

	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, errors.WrapKind(err, errors.KindType, "Item", "Float", "conversion")
		}
		return f, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Newf(errors.KindType, "%s is not numeric: %q", i.FullKey, v)
		}
		return f, nil
	case nil:
		return 0, errors.Newf(errors.KindValue, "%s has no cached value", i.FullKey)
	default:
		return 0, errors.Newf(errors.KindType, "%s is not numeric: %T", i.FullKey, value)
	}
}

// Int returns the cached value as an int64.
func (i *Item) Int() (int64, error) {
	value, _ := i.CachedValue()

	if number, ok := value.(json.Number); ok {
		if n, err := number.Int64(); err == nil {
			return n, nil
		}
	}

	f, err := i.Float()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Bool returns the cached value as a bool. The usual false spellings
// (false, 0, "no", "off", the empty string) read as false.
func (i *Item) Bool() (bool, error) {
	value, _ := i.CachedValue()

	switch v := value.(type) {
	case bool:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, errors.WrapKind(err, errors.KindType, "Item", "Bool", "conversion")
		}
		return f != 0, nil
	case string:
		switch v {
		case "", "false", "f", "no", "n", "off", "0", "disable":
			return false, nil
		default:
			return true, nil
		}
	case nil:
		return false, errors.Newf(errors.KindValue, "%s has no cached value", i.FullKey)
	default:
		return false, errors.Newf(errors.KindType, "%s is not boolean: %T", i.FullKey, value)
	}
}

// Text returns the cached value rendered as a string.
func (i *Item) Text() string {
	value, _ := i.CachedValue()

	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Equals compares the cached value against another value, numerically
// when both sides convert to numbers and textually otherwise.
func (i *Item) Equals(other any) bool {
	value, _ := i.CachedValue()
	if value == nil {
		return other == nil
	}

	if mine, err := i.Float(); err == nil {
		if theirs, ok := asFloat(other); ok {
			return mine == theirs
		}
	}

	return i.Text() == fmt.Sprintf("%v", other)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
