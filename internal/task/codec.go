package task

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Marshal serializes a value using the {type, value} envelope: registered
// structs become {"type": <name>, "value": {...}}, primitives and lists pass
// through unchanged.
func Marshal(v any) ([]byte, error) {
	enc, err := encode(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// Unmarshal decodes envelope-encoded JSON into v, which must be a non-nil
// pointer. Interface-typed destinations are resolved through the registry;
// an envelope naming an unregistered type fails hard.
func Unmarshal(data []byte, v any) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("task: invalid json: %w", err)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("task: unmarshal target must be a non-nil pointer")
	}
	return decode(raw, rv.Elem())
}

// UnmarshalTask decodes a serialized task body.
func UnmarshalTask(data []byte) (Task, error) {
	var t Task
	if err := Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// UnmarshalResult decodes a serialized task result.
func UnmarshalResult(data []byte) (Result, error) {
	var r Result
	if err := Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// UnmarshalStatusUpdate decodes a serialized status update.
func UnmarshalStatusUpdate(data []byte) (StatusUpdate, error) {
	var s StatusUpdate
	if err := Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// UnmarshalPlan decodes a stored judge plan.
func UnmarshalPlan(data []byte) (*JudgePlan, error) {
	var p *JudgePlan
	if err := Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("task: empty judge plan")
	}
	return p, nil
}

func encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encode(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			enc, err := encode(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Struct:
		name, ok := typeNames[v.Type()]
		if !ok {
			return nil, fmt.Errorf("task: cannot encode unregistered type %s", v.Type())
		}
		t := v.Type()
		value := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			enc, err := encode(v.Field(i))
			if err != nil {
				return nil, err
			}
			value[fieldName(f)] = enc
		}
		return map[string]any{"type": name, "value": value}, nil
	default:
		return nil, fmt.Errorf("task: cannot encode kind %s", v.Kind())
	}
}

func decode(raw any, dst reflect.Value) error {
	if raw == nil {
		dst.SetZero()
		return nil
	}
	switch dst.Kind() {
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := decode(raw, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Interface:
		return decodeInterface(raw, dst)
	case reflect.Struct:
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("task: expected envelope for %s, got %T", dst.Type(), raw)
		}
		obj, err := decodeEnvelope(m)
		if err != nil {
			return err
		}
		if obj.Elem().Type() != dst.Type() {
			return fmt.Errorf("task: expected %s, got %s",
				typeNames[dst.Type()], typeNames[obj.Elem().Type()])
		}
		dst.Set(obj.Elem())
		return nil
	case reflect.Slice:
		arr, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("task: expected list for %s, got %T", dst.Type(), raw)
		}
		out := reflect.MakeSlice(dst.Type(), len(arr), len(arr))
		for i, item := range arr {
			if err := decode(item, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("task: expected string for %s, got %T", dst.Type(), raw)
		}
		dst.SetString(s)
		return nil
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("task: expected bool, got %T", raw)
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("task: expected number, got %T", raw)
		}
		dst.SetInt(int64(f))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("task: expected number, got %T", raw)
		}
		dst.SetFloat(f)
		return nil
	default:
		return fmt.Errorf("task: cannot decode into kind %s", dst.Kind())
	}
}

func decodeInterface(raw any, dst reflect.Value) error {
	// bare strings are file URLs wherever the interface admits them
	if s, ok := raw.(string); ok {
		fv := reflect.ValueOf(FileURL(s))
		if fv.Type().Implements(dst.Type()) {
			dst.Set(fv)
			return nil
		}
		return fmt.Errorf("task: cannot decode string into %s", dst.Type())
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("task: expected envelope for %s, got %T", dst.Type(), raw)
	}
	obj, err := decodeEnvelope(m)
	if err != nil {
		return err
	}
	if !obj.Type().Implements(dst.Type()) {
		return fmt.Errorf("task: type %s is not valid as %s",
			typeNames[obj.Elem().Type()], dst.Type())
	}
	dst.Set(obj)
	return nil
}

// decodeEnvelope resolves a {type, value} map into a pointer to the
// registered struct.
func decodeEnvelope(m map[string]any) (reflect.Value, error) {
	name, ok := m["type"].(string)
	if !ok {
		return reflect.Value{}, fmt.Errorf("task: envelope missing type tag")
	}
	t, ok := registry[name]
	if !ok {
		return reflect.Value{}, fmt.Errorf("task: unknown type %q", name)
	}
	fields, ok := m["value"].(map[string]any)
	if !ok {
		return reflect.Value{}, fmt.Errorf("task: envelope for %q missing value", name)
	}
	obj := reflect.New(t)
	elem := obj.Elem()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		raw, present := fields[fieldName(f)]
		if !present || raw == nil {
			continue
		}
		if err := decode(raw, elem.Field(i)); err != nil {
			return reflect.Value{}, fmt.Errorf("%s.%s: %w", name, f.Name, err)
		}
	}
	return obj, nil
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
