// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MethodID identifies a method within a service.
type MethodID uint32

// RawHandler handles one call's payload. A oneway method returns a nil
// reply.
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// MethodDesc describes one generated method. Args and Reply are the Go types
// a codec moves across the wire; Reply is nil for oneway methods.
type MethodDesc struct {
	ID      MethodID
	Name    string
	Args    reflect.Type
	Reply   reflect.Type
	Handler RawHandler
}

// Oneway reports whether the method has no reply.
func (m MethodDesc) Oneway() bool { return m.Reply == nil }

// ServiceDesc is the dispatch table a code generator emits for a service.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// Method returns the descriptor for id.
func (s *ServiceDesc) Method(id MethodID) (MethodDesc, bool) {
	for _, m := range s.Methods {
		if m.ID == id {
			return m, true
		}
	}
	return MethodDesc{}, false
}

// Lookup returns the descriptor named name.
func (s *ServiceDesc) Lookup(name string) (MethodDesc, bool) {
	for _, m := range s.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDesc{}, false
}

// Table maps method ids to handlers. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	handlers map[MethodID]RawHandler
}

func NewTable() *Table {
	return &Table{handlers: make(map[MethodID]RawHandler)}
}

// Register adds or replaces the handler for id.
func (t *Table) Register(id MethodID, h RawHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// RegisterService registers every method of sd. Methods must carry a
// Handler and ids must be unique; on error nothing is registered.
func (t *Table) RegisterService(sd *ServiceDesc) error {
	seen := make(map[MethodID]struct{}, len(sd.Methods))
	for _, m := range sd.Methods {
		if m.Handler == nil {
			return errors.Errorf("rpc: %s.%s (%d) has no handler", sd.Name, m.Name, m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return errors.Errorf("rpc: %s has duplicate method id %d", sd.Name, m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range sd.Methods {
		t.handlers[m.ID] = m.Handler
	}
	return nil
}

// Unregister removes the handler for id.
func (t *Table) Unregister(id MethodID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

func (t *Table) Lookup(id MethodID) (RawHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[id]
	return h, ok
}

// Methods returns the registered ids in ascending order.
func (t *Table) Methods() []MethodID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]MethodID, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispatch runs the handler for id. A missing handler is KindUnknownMethod.
// Handler errors and panics are KindHandler. A handler's own *Error keeps
// its kind only when that kind is KindHandler or KindUnknownMethod; a
// failed downstream call inside a handler is still a handler failure.
func (t *Table) Dispatch(ctx context.Context, id MethodID, payload []byte) (reply []byte, err error) {
	h, ok := t.Lookup(id)
	if !ok {
		return nil, errorf(KindUnknownMethod, id, "no handler registered")
	}

	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = &Error{Kind: KindHandler, Method: id, Msg: "panic", Err: errors.Errorf("%v\n%s", r, debug.Stack())}
		}
	}()

	reply, err = h(ctx, payload)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && (re.Kind == KindHandler || re.Kind == KindUnknownMethod) {
			cp := *re
			if cp.Method == 0 {
				cp.Method = id
			}
			return nil, &cp
		}
		return nil, newError(KindHandler, id, err)
	}
	return reply, nil
}

// Typed adapts a request/response handler to a RawHandler, decoding the
// arguments and encoding the reply with c. An empty payload leaves the
// arguments at their zero value.
func Typed[A, R any](c Codec, fn func(ctx context.Context, args A) (R, error)) RawHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var args A
		if len(payload) > 0 {
			if err := c.Decode(payload, &args); err != nil {
				return nil, &Error{Kind: KindHandler, Msg: "decode arguments", Err: err}
			}
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return c.Encode(reply)
	}
}

// TypedOneway adapts a handler with no reply.
func TypedOneway[A any](c Codec, fn func(ctx context.Context, args A) error) RawHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var args A
		if len(payload) > 0 {
			if err := c.Decode(payload, &args); err != nil {
				return nil, &Error{Kind: KindHandler, Msg: "decode arguments", Err: err}
			}
		}
		return nil, fn(ctx, args)
	}
}
