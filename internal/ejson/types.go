package ejson

import "fmt"

// TypedValue is implemented by host types that want to round-trip
// through a {"$type": name, "$value": ...} wire form without going
// through the global RegisterType registry — e.g. a one-off value
// built at a call site rather than a package-level type.
type TypedValue interface {
	EJSONTypeName() string
	EJSONValue() any
}

// DecodeFunc converts a decoded $value back into the host's native
// representation for a registered $type name.
type DecodeFunc func(value any) (any, error)

// EncodeFunc attempts to convert v into an EJSON-encodable value; the
// $type name it is tagged with is the one given to RegisterType. ok is
// false when v is not of the
// encoder's type, letting RegisterType callers compose independently
// registered encoders without stepping on each other.
type EncodeFunc func(v any) (value any, ok bool)

var (
	decoders = map[string]DecodeFunc{}
	encoders = []namedEncoder{}
)

type namedEncoder struct {
	name string
	fn   EncodeFunc
}

// RegisterType adds a host-defined type to the EJSON extension
// mechanism: enc is tried
// against every value that isn't already a built-in EJSON form, and
// dec is invoked whenever a decoded document carries {"$type": name}.
// Registration is expected at init time; it is not safe to call
// concurrently with Marshal/Unmarshal.
func RegisterType(name string, enc EncodeFunc, dec DecodeFunc) {
	if _, exists := decoders[name]; exists {
		panic(fmt.Sprintf("ejson: type %q already registered", name))
	}
	decoders[name] = dec
	encoders = append(encoders, namedEncoder{name: name, fn: enc})
}

func lookupEncoder(v any) (value any, name string, ok bool) {
	for _, e := range encoders {
		if val, matched := e.fn(v); matched {
			return val, e.name, true
		}
	}
	return nil, "", false
}

func lookupDecoder(name string) (DecodeFunc, bool) {
	dec, ok := decoders[name]
	return dec, ok
}
