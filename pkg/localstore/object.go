package localstore

import (
	"encoding/json"
	"errors"
	"strings"
)

// Object is a decoded JSON object.
type Object map[string]any

var (
	errNotObject = errors.New("value does not encode to a JSON object")
	errCycle     = errors.New("value contains a cycle")
)

// toObject normalizes v through one JSON round trip. Values that do not
// encode to an object, or that refer to themselves, are rejected.
func toObject(v any) (Object, error) {
	if v == nil {
		return nil, errNotObject
	}

	data, err := json.Marshal(v)
	if err != nil {
		var uv *json.UnsupportedValueError
		if errors.As(err, &uv) && strings.Contains(uv.Str, "cycle") {
			return nil, errCycle
		}
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return Object(obj), nil
}

// parse decodes text into an Object. Malformed text and non-object JSON
// yield an empty Object and ok=false.
func parse(text string) (obj Object, ok bool) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil || decoded == nil {
		return Object{}, false
	}
	return Object(decoded), true
}

// stringify encodes o, returning "" if it cannot be encoded.
func stringify(o Object) string {
	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(data)
}

// merge returns a new Object holding base overwritten by partial.
func merge(base, partial Object) Object {
	merged := make(Object, len(base)+len(partial))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Object:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
