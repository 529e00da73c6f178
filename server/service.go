package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"p2phun-rpc/codec"
)

type methodType struct {
	method   reflect.Method
	takesCtx bool
	ArgTypes []reflect.Type
	hasReply bool
}

// service exposes the exported methods of a receiver under one module name.
// A method is callable when its signature is
//
//	func (r *T) Name([ctx context.Context,] a1 A1, ..., aN AN) (R, error)
//	func (r *T) Name([ctx context.Context,] a1 A1, ..., aN AN) error
//
// and it is called with exactly N positional args, each decoded into its
// parameter type. Method names are exposed in snake_case: FindNode is find_node.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService 创建 service 并扫描所有合法方法
func newService(name string, rcvr any) (*service, error) {
	if name == "" {
		return nil, fmt.Errorf("server: empty module name")
	}
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver for %s must be a pointer, got %v", name, typ)
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no callable methods", typ)
	}
	return s, nil
}

// registerMethods 扫描导出方法，过滤出符合签名的
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type

		var hasReply bool
		switch {
		case mt.NumOut() == 1 && mt.Out(0) == errorType:
		case mt.NumOut() == 2 && mt.Out(1) == errorType:
			hasReply = true
		default:
			continue
		}

		m := &methodType{method: method, hasReply: hasReply}
		first := 1 // In(0) is the receiver
		if mt.NumIn() > 1 && mt.In(1) == contextType {
			m.takesCtx = true
			first = 2
		}
		for j := first; j < mt.NumIn(); j++ {
			m.ArgTypes = append(m.ArgTypes, mt.In(j))
		}
		if mt.IsVariadic() {
			continue
		}
		s.method[snakeCase(method.Name)] = m
	}
}

// call 通过反射调用方法
func (s *service) call(ctx context.Context, m *methodType, args []json.RawMessage) (any, error) {
	if len(args) != len(m.ArgTypes) {
		return nil, fmt.Errorf("%w: %s:%s takes %d args, got %d", ErrBadArg, s.name, snakeCase(m.method.Name), len(m.ArgTypes), len(args))
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, s.rcvr)
	if m.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range m.ArgTypes {
		argv := reflect.New(t)
		if err := codec.Decode(args[i], argv.Interface()); err != nil {
			return nil, fmt.Errorf("%w: arg %d of %s:%s: %w", ErrBadArg, i, s.name, snakeCase(m.method.Name), err)
		}
		in = append(in, argv.Elem())
	}

	out := m.method.Func.Call(in)
	errv := out[len(out)-1]
	if !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if !m.hasReply {
		return "ok", nil
	}
	return out[0].Interface(), nil
}

// snakeCase turns FindNode into find_node and HTTPServer into http_server.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
