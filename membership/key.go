package membership

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Key builds the canonical membership key for a (field, value) pair. Colons
// and backslashes in field are escaped so the first bare colon always ends it.
func Key(field string, value any) string {
	return fieldEscaper.Replace(field) + ":" + Canonical(value)
}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// Canonical serializes a value deterministically. Numbers render in their
// shortest decimal form so 37 and 37.0 agree; maps render as sorted k=v
// pairs so insertion order never changes the key. Strings nested in maps
// and slices are quoted; a typed nil renders like nil.
func Canonical(value any) string {
	if isNil(reflect.ValueOf(value)) {
		return ""
	}
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		pairs := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			pairs = append(pairs, element(iter.Key())+"="+element(iter.Value()))
		}
		sort.Strings(pairs)
		return "{" + strings.Join(pairs, ",") + "}"
	case reflect.Slice, reflect.Array:
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = element(rv.Index(i))
		}
		return "[" + strings.Join(items, ",") + "]"
	case reflect.Pointer:
		return Canonical(rv.Elem().Interface())
	}
	return fmt.Sprint(value)
}

// element renders a map key, map value or slice item.
func element(rv reflect.Value) string {
	for (rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer) && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.String {
		return strconv.Quote(rv.String())
	}
	if !rv.IsValid() || isNil(rv) {
		return ""
	}
	return Canonical(rv.Interface())
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// isEmpty reports whether a value counts as absent: nil, the empty string,
// or an empty container. Zero numbers are valid values.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
