package ddp

import (
	"fmt"
	"reflect"
	"strings"
)

// BindParams validates and copies fields from a decoded EJSON object
// (map[string]any, as produced by ejson.Unmarshal) into dst, a pointer
// to a struct whose fields carry `ddp:"name"` or `ddp:"name,optional"`
// tags. Every declared field must either be present in the input or
// tagged optional; any input key with no matching tag is rejected.
// Every incoming message passes through this check; a missing or
// extra field is a 400 on the wire.
//
// The ddp tag exists (rather than reusing Go's own field name or the
// json tag) because several DDP field names — id, type, error — collide
// with predeclared identifiers or common method names in idiomatic Go,
// and a dedicated tag keeps struct field names free to be whatever
// reads best in Go while the wire name stays exact.
func BindParams(input map[string]any, dst any) *Error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		panic("ddp: BindParams dst must be a pointer to struct")
	}
	rv = rv.Elem()
	rt := rv.Type()

	seen := make(map[string]bool, len(input))

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag, ok := field.Tag.Lookup("ddp")
		if !ok {
			continue
		}
		name, optional := parseTag(tag)

		val, present := input[name]
		seen[name] = true
		if !present {
			if optional {
				continue
			}
			return BadRequest(fmt.Sprintf("missing required field %q", name))
		}

		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}
		if err := assign(fv, val); err != nil {
			return BadRequest(fmt.Sprintf("field %q: %s", name, err))
		}
	}

	for k := range input {
		if !seen[k] {
			return BadRequest(fmt.Sprintf("unexpected field %q", k))
		}
	}
	return nil
}

func parseTag(tag string) (name string, optional bool) {
	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, p := range parts[1:] {
		if p == "optional" {
			optional = true
		}
	}
	return name, optional
}

// assign copies a decoded-JSON value (string, float64, bool, nil,
// []any, map[string]any, or an ejson-restored native type like
// time.Time/[]byte) into a struct field, converting numeric kinds as
// needed since EJSON always decodes numbers as float64.
func assign(fv reflect.Value, val any) error {
	if val == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	vv := reflect.ValueOf(val)

	if fv.Kind() == reflect.Interface {
		fv.Set(vv)
		return nil
	}

	if vv.Type().AssignableTo(fv.Type()) {
		fv.Set(vv)
		return nil
	}

	switch fv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := val.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", val)
		}
		fv.SetInt(int64(f))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := val.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", val)
		}
		fv.SetFloat(f)
		return nil
	case reflect.String:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		fv.SetString(s)
		return nil
	case reflect.Bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", val)
		}
		fv.SetBool(b)
		return nil
	case reflect.Slice:
		items, ok := val.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", val)
		}
		out := reflect.MakeSlice(fv.Type(), len(items), len(items))
		for i, item := range items {
			if err := assign(out.Index(i), item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		fv.Set(out)
		return nil
	case reflect.Map:
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", val)
		}
		out := reflect.MakeMapWithSize(fv.Type(), len(m))
		for k, item := range m {
			elem := reflect.New(fv.Type().Elem()).Elem()
			if err := assign(elem, item); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k), elem)
		}
		fv.Set(out)
		return nil
	default:
		return fmt.Errorf("cannot assign %T into %s", val, fv.Type())
	}
}
