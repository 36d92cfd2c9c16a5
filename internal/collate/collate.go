// Package collate defines a total order over JSON-shaped values.
//
// Values of different classes order by class alone:
//
//	null < boolean < number < string < array < object
//
// Values of the same class order by content. Inputs are normalized first
// (see Normalize), so any Go value that encodes to JSON can be compared,
// including mixed numeric kinds, time.Time and structs.
package collate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

type undefined struct{}

// Undefined marks an absent value. It normalizes to null, and object keys
// holding it are dropped.
var Undefined any = undefined{}

// ISOLayout is the canonical form dates normalize to.
const ISOLayout = "2006-01-02T15:04:05.000Z"

const (
	classNull = iota + 1
	classBool
	classNumber
	classString
	classArray
	classObject
)

// Compare returns a negative number when a sorts before b, zero when they
// are equal and a positive number otherwise.
func Compare(a, b any) int {
	return compareNormalized(Normalize(a), Normalize(b))
}

func Less(a, b any) bool {
	return Compare(a, b) < 0
}

func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

// CompareNormalized skips normalization. Both inputs must already be
// outputs of Normalize.
func CompareNormalized(a, b any) int {
	return compareNormalized(a, b)
}

// Normalize maps v onto nil, bool, float64, string, []any or map[string]any.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, undefined:
		return nil
	case bool:
		return x
	case string:
		return x
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x.String()
		}
		return finite(f)
	case time.Time:
		return x.UTC().Format(ISOLayout)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(ISOLayout)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = Normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if _, skip := val.(undefined); skip {
				continue
			}
			out[k] = Normalize(val)
		}
		return out
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val := iter.Value().Interface()
			if _, skip := val.(undefined); skip {
				continue
			}
			out[mapKey(iter.Key())] = Normalize(val)
		}
		return out
	}
	// Structs and anything else: take the value's JSON shape.
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return Normalize(decoded)
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func classOf(v any) int {
	switch v.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case float64:
		return classNumber
	case string:
		return classString
	case []any:
		return classArray
	default:
		return classObject
	}
}

func compareNormalized(a, b any) int {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		return ca - cb
	}
	switch ca {
	case classNull:
		return 0
	case classBool:
		return compareBools(a.(bool), b.(bool))
	case classNumber:
		return compareFloats(a.(float64), b.(float64))
	case classString:
		return compareStrings(a.(string), b.(string))
	case classArray:
		return compareArrays(a.([]any), b.([]any))
	}
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		// Not produced by Normalize; fall back to normalizing now.
		return compareNormalized(Normalize(a), Normalize(b))
	}
	return compareObjects(am, bm)
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareStrings orders by UTF-16 code units, not by code points.
func compareStrings(a, b string) int {
	if a == b {
		return 0
	}
	for len(a) > 0 && len(b) > 0 {
		ra, na := decodeRune(a)
		rb, nb := decodeRune(b)
		if ra != rb {
			return compareCodeUnits(ra, rb)
		}
		a, b = a[na:], b[nb:]
	}
	return len(a) - len(b)
}

// decodeRune maps a byte that is not valid UTF-8 to the lone low surrogate
// 0xDC00+b. Valid UTF-8 never decodes to a surrogate, so distinct strings
// keep distinct code unit sequences.
func decodeRune(s string) (rune, int) {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && n == 1 {
		return 0xDC00 + rune(s[0]), 1
	}
	return r, n
}

func compareCodeUnits(ra, rb rune) int {
	a1, a2 := codeUnits(ra)
	b1, b2 := codeUnits(rb)
	if a1 != b1 {
		return int(a1 - b1)
	}
	return int(a2 - b2)
}

func codeUnits(r rune) (rune, rune) {
	if r >= 0x10000 {
		return utf16.EncodeRune(r)
	}
	return r, -1
}

func compareArrays(a, b []any) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := compareNormalized(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareObjects(a, b map[string]any) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := compareStrings(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := compareNormalized(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return len(ak) - len(bk)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return compareStrings(keys[i], keys[j]) < 0
	})
	return keys
}
