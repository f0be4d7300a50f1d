package server

import (
	"errors"
	"fmt"
	"reflect"

	"echorpc/rpc"
)

var (
	controllerType = reflect.TypeOf((*rpc.Controller)(nil))
	closureType    = reflect.TypeOf((*rpc.Closure)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods of the shape
//
//	func (s *T) Method(cntl *rpc.Controller, args *Args, reply *Reply, done rpc.Closure)
//
// Other methods are ignored. The service is named after T.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", srv.name)
	}
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 5 || mt.NumOut() != 0 ||
			mt.In(1) != controllerType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr ||
			mt.In(4) != closureType {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
}

// call invokes the method. A panic in the method is returned as an error.
func (s *service) call(mType *methodType, cntl *rpc.Controller, argv, replyv reflect.Value, done rpc.Closure) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", s.name, mType.method.Name, r)
		}
	}()
	args := [5]reflect.Value{s.rcvr, reflect.ValueOf(cntl), argv, replyv, reflect.ValueOf(&done).Elem()}
	mType.method.Func.Call(args[:])
	return nil
}

var errDuplicateService = errors.New("rpc: service already defined")
