package clienttest

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Register exposes the methods of rcvr that look like
//
//	func (t *T) Name(args *Args, reply *Reply) error
//
// under "T.Name". The first request parameter is decoded into *Args and the
// reply becomes the single result.
func (s *Service) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("clienttest: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("clienttest: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	prefix := typ.Elem().Name()

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		mt := &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
		s.Handle(prefix+"."+method.Name, reflectHandler(val, mt))
		n++
	}
	if n == 0 {
		return fmt.Errorf("clienttest: %s has no methods of the form M(*Args, *Reply) error", prefix)
	}
	return nil
}

func reflectHandler(rcvr reflect.Value, mt *methodType) HandlerFunc {
	return func(ctx context.Context, params []json.RawMessage) ([]any, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if len(params) > 0 {
			if err := json.Unmarshal(params[0], argv.Interface()); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		results := mt.method.Func.Call([]reflect.Value{rcvr, argv, replyv})
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return []any{replyv.Interface()}, nil
	}
}
