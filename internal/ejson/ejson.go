// Package ejson implements the Extended JSON codec used on the DDP
// wire: ordinary JSON plus a small set of tagged object
// forms for values JSON cannot express natively — {"$date": ms},
// {"$binary": base64}, and a generic {"$type": name, "$value": ...}
// escape hatch for host-defined types. The codec is round-trip stable:
// Unmarshal(Marshal(x)) == x for any composition of supported types.
package ejson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Doc is an EJSON document: the result of decoding is always built from
// these dynamic shapes (map[string]any, []any, string, float64, bool,
// nil, time.Time, []byte, or a registered custom type).
type Doc = any

// Marshal encodes a Go value as canonical EJSON bytes.
func Marshal(v any) ([]byte, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return nil, fmt.Errorf("ejson: marshal: %w", err)
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("ejson: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes EJSON bytes into a generic Doc, restoring tagged
// values ($date, $binary, $type) to their native Go representation.
func Unmarshal(data []byte) (Doc, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ejson: unmarshal: %w", err)
	}
	return decorate(raw)
}

// canonicalize walks v, turning time.Time, []byte, and registered
// custom types into their tagged-object wire form, and recursing into
// maps/slices. Values already JSON-native (numbers, strings, bools,
// nil) pass through unchanged.
func canonicalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case time.Time:
		return map[string]any{"$date": val.UnixMilli()}, nil
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(val)}, nil
	case TypedValue:
		inner, err := canonicalize(val.EJSONValue())
		if err != nil {
			return nil, err
		}
		return map[string]any{"$type": val.EJSONTypeName(), "$value": inner}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			c, err := canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			c, err := canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		if enc, name, ok := lookupEncoder(v); ok {
			inner, err := canonicalize(enc)
			if err != nil {
				return nil, err
			}
			return map[string]any{"$type": name, "$value": inner}, nil
		}
		return canonicalizeReflect(reflect.ValueOf(v))
	}
}

// canonicalizeReflect handles the shapes the typed switch can't name
// statically: structs (wire frames, routing envelopes), pointers, and
// named kinds like ddp.Msg or []string. Struct fields follow their
// json tags so a frame encodes identically whether it passes through
// here or encoding/json directly — while nested time.Time/[]byte
// values still gain their EJSON tags.
func canonicalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return canonicalize(rv.Elem().Interface())
	case reflect.Struct:
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitempty := field.Name, false
			if tag, ok := field.Tag.Lookup("json"); ok {
				parts := strings.Split(tag, ",")
				if parts[0] == "-" {
					continue
				}
				if parts[0] != "" {
					name = parts[0]
				}
				for _, p := range parts[1:] {
					if p == "omitempty" {
						omitempty = true
					}
				}
			}
			fv := rv.Field(i)
			if omitempty && isEmptyValue(fv) {
				continue
			}
			c, err := canonicalize(fv.Interface())
			if err != nil {
				return nil, err
			}
			out[name] = c
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return canonicalize(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, err := canonicalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("ejson: map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			c, err := canonicalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = c
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	default:
		return nil, fmt.Errorf("ejson: unsupported type %s", rv.Type())
	}
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// decorate walks a plain decoded-JSON tree (as produced by
// encoding/json into `any`) and restores tagged objects to their
// native Go types.
func decorate(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if ms, ok := val["$date"]; ok && len(val) == 1 {
			f, ok := ms.(float64)
			if !ok {
				return nil, fmt.Errorf("ejson: $date value must be numeric")
			}
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		if b64, ok := val["$binary"]; ok && len(val) == 1 {
			s, ok := b64.(string)
			if !ok {
				return nil, fmt.Errorf("ejson: $binary value must be a string")
			}
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("ejson: decode $binary: %w", err)
			}
			return raw, nil
		}
		if name, ok := val["$type"]; ok {
			typeName, ok := name.(string)
			if !ok {
				return nil, fmt.Errorf("ejson: $type value must be a string")
			}
			inner, err := decorate(val["$value"])
			if err != nil {
				return nil, err
			}
			if dec, ok := lookupDecoder(typeName); ok {
				return dec(inner)
			}
			return inner, nil
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			d, err := decorate(elem)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			d, err := decorate(elem)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return val, nil
	}
}
