package object

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// Converter re-types a decoded value into the value dst points to.
type Converter func(src, dst any) error

// CodecConverter returns a Converter that round-trips through c.
func CodecConverter(c codec.Codec) Converter {
	return func(src, dst any) error { return codec.Convert(c, src, dst) }
}

// Invoke calls the operation name on obj.
//
// A dotted name ("Focuser.Move") walks exported fields, and getters the
// class declares, before calling the final method. Arguments are converted to the
// parameter types with conv (CBOR when nil). A panic inside the method is
// returned as an error.
func Invoke(ctx context.Context, obj Object, name string, args []any, kwargs map[string]any, conv Converter) (result any, err error) {
	if conv == nil {
		conv = CodecConverter(codec.CBOR)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()

	if strings.Contains(name, ".") {
		return invokePath(ctx, obj, name, args, kwargs, conv)
	}

	cls := obj.base().class
	m, ok := cls.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrMethodNotFound, cls.Name(), name)
	}

	switch m.Kind {
	case EventKind:
		obj.base().Event(m.Name).FireKw(args, kwargs)
		return nil, nil
	case ExclusiveKind:
		var release func()
		ctx, release = obj.base().monitor.Enter(ctx)
		defer release()
	}

	return m.call(ctx, reflect.ValueOf(obj), args, kwargs, conv)
}

func (m *Method) call(ctx context.Context, recv reflect.Value, args []any, kwargs map[string]any, conv Converter) (any, error) {
	in := []reflect.Value{recv}
	if m.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	fixed := len(m.params)
	if m.variadic {
		fixed--
	}
	if len(args) < fixed || (!m.variadic && len(args) > fixed) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArguments, m.Name, fixed, len(args))
	}
	for i := 0; i < fixed; i++ {
		v, err := convertArg(args[i], m.params[i], conv)
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrBadArguments, m.Name, i, err)
		}
		in = append(in, v)
	}
	if m.variadic {
		elem := m.params[fixed].Elem()
		for i := fixed; i < len(args); i++ {
			v, err := convertArg(args[i], elem, conv)
			if err != nil {
				return nil, fmt.Errorf("%w: %s argument %d: %v", ErrBadArguments, m.Name, i, err)
			}
			in = append(in, v)
		}
	}

	if m.takesKw {
		in = append(in, reflect.ValueOf(Kwargs(kwargs)))
	} else if len(kwargs) > 0 {
		return nil, fmt.Errorf("%w: %s takes no keyword arguments", ErrBadArguments, m.Name)
	}

	var out []reflect.Value
	if m.fn.IsValid() {
		out = m.fn.Call(in)
	} else {
		// Bound method value found by path resolution: no receiver argument.
		out = recv.Call(in[1:])
	}
	return m.results(out)
}

func (m *Method) results(out []reflect.Value) (any, error) {
	var result any
	if m.returnsVal {
		result = out[0].Interface()
	}
	if m.returnsErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return result, e.Interface().(error)
		}
	}
	return result, nil
}

func convertArg(arg any, want reflect.Type, conv Converter) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(want.Kind()) {
		converted := v.Convert(want)
		if !converted.Convert(v.Type()).Equal(v) {
			return reflect.Value{}, fmt.Errorf("%v does not fit %s", arg, want)
		}
		return converted, nil
	}
	ptr := reflect.New(want)
	if err := conv(arg, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// invokePath resolves a dotted attribute path and calls the last element as
// a plain method. Only the managed object itself hides its lifecycle hooks;
// sub-objects expose every exported method.
func invokePath(ctx context.Context, obj Object, path string, args []any, kwargs map[string]any, conv Converter) (any, error) {
	segments := strings.Split(path, ".")
	cls := obj.base().class
	cur := reflect.ValueOf(obj)

	for i, seg := range segments[:len(segments)-1] {
		next, ok := field(cur, seg)
		if !ok && i == 0 && cls.getters[normalize(seg)] {
			if m, found := findMethod(cur, seg, true); found {
				next, ok = m.Call(nil)[0], true
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q has no attribute %q", ErrMethodNotFound, path, seg)
		}
		cur = next
	}

	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "_") || last == "" {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, path)
	}
	bound, ok := findMethod(cur, last, false)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no method %q", ErrMethodNotFound, path, last)
	}

	m, ok := describe(reflect.Method{Name: last, Type: prependReceiver(bound.Type())})
	if !ok {
		return nil, fmt.Errorf("%w: %q has an unsupported signature", ErrMethodNotFound, path)
	}
	m.fn = reflect.Value{}
	return m.call(ctx, bound, args, kwargs, conv)
}

// prependReceiver turns a bound method type into a method-expression shape
// so describe can skip the receiver slot.
func prependReceiver(ft reflect.Type) reflect.Type {
	in := make([]reflect.Type, 0, ft.NumIn()+1)
	in = append(in, reflect.TypeOf(struct{}{}))
	for i := 0; i < ft.NumIn(); i++ {
		in = append(in, ft.In(i))
	}
	out := make([]reflect.Type, 0, ft.NumOut())
	for i := 0; i < ft.NumOut(); i++ {
		out = append(out, ft.Out(i))
	}
	return reflect.FuncOf(in, out, ft.IsVariadic())
}

// field resolves one path segment to an exported struct field.
func field(v reflect.Value, name string) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	want := normalize(name)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && !f.Anonymous && normalize(f.Name) == want {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// findMethod looks up an exported method by name. hideHooks skips the Base
// lifecycle methods, which only matters on the managed object.
func findMethod(v reflect.Value, name string, hideHooks bool) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface && v.CanAddr() {
		v = v.Addr()
	}
	want := normalize(name)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		mname := t.Method(i).Name
		if normalize(mname) == want && !(hideHooks && hookNames[mname]) {
			return v.Method(i), true
		}
	}
	return reflect.Value{}, false
}
