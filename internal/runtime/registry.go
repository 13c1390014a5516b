package runtime

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"

	"google.golang.org/protobuf/proto"
)

// MessageType identifies a message kind on the wire. Protobuf messages use
// their full proto name, other types their Go package path and name.
type MessageType string

var protoMessageType = reflect.TypeFor[proto.Message]()

// TypeOf returns the message type of v. Pointers are dereferenced so T and *T
// map to the same type.
func TypeOf(v any) MessageType {
	if v == nil {
		return ""
	}
	return typeOfReflect(reflect.TypeOf(v))
}

// TypeFor returns the message type of T.
func TypeFor[T any]() MessageType {
	return typeOfReflect(reflect.TypeFor[T]())
}

func typeOfReflect(t reflect.Type) MessageType {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if reflect.PointerTo(t).Implements(protoMessageType) {
		if msg, ok := reflect.New(t).Interface().(proto.Message); ok {
			return MessageType(msg.ProtoReflect().Descriptor().FullName())
		}
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return MessageType(t.String())
	}
	return MessageType(t.PkgPath() + "." + t.Name())
}

// Completion delivers the outcome of an asynchronous handler. A nil error or
// a closed channel means success.
type Completion <-chan error

// Completed returns an already finished completion.
func Completed(err error) Completion {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

// Go runs fn on its own goroutine. A panic in fn fails the completion.
func Go(fn func() error) Completion {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("servicebus: async handler panicked: %v\n%s", r, debug.Stack())
			}
		}()
		ch <- fn()
	}()
	return ch
}

func (c Completion) wait(ctx context.Context) error {
	if c == nil {
		return nil
	}
	select {
	case err := <-c:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MessageHandler handles a message synchronously.
type MessageHandler[T any] interface {
	Handle(ctx context.Context, msg T, hc HandlerContext) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc[T any] func(ctx context.Context, msg T, hc HandlerContext) error

func (f MessageHandlerFunc[T]) Handle(ctx context.Context, msg T, hc HandlerContext) error {
	return f(ctx, msg, hc)
}

// AsyncMessageHandler starts handling a message and reports the outcome through
// the returned Completion.
type AsyncMessageHandler[T any] interface {
	HandleAsync(ctx context.Context, msg T, hc HandlerContext) Completion
}

// AsyncMessageHandlerFunc adapts a function to AsyncMessageHandler.
type AsyncMessageHandlerFunc[T any] func(ctx context.Context, msg T, hc HandlerContext) Completion

func (f AsyncMessageHandlerFunc[T]) HandleAsync(ctx context.Context, msg T, hc HandlerContext) Completion {
	return f(ctx, msg, hc)
}

// HandlerDescriptor is a type-erased handler as stored in a registry.
type HandlerDescriptor struct {
	Name  string
	Type  MessageType
	Async bool

	invoke     func(ctx context.Context, body any, hc HandlerContext) Completion
	newMessage func() any
}

// Named returns a copy of d with the given name.
func (d HandlerDescriptor) Named(name string) HandlerDescriptor {
	d.Name = name
	return d
}

func (d HandlerDescriptor) valid() bool {
	return d.invoke != nil && d.newMessage != nil
}

// Handle describes a synchronous handler for T.
func Handle[T any](h MessageHandler[T]) HandlerDescriptor {
	if h == nil {
		panic("servicebus: handler is required")
	}
	return HandlerDescriptor{
		Name:       fmt.Sprintf("%T", h),
		Type:       TypeFor[T](),
		newMessage: newMessageFor[T](),
		invoke: func(ctx context.Context, body any, hc HandlerContext) Completion {
			msg, err := bodyAs[T](body)
			if err != nil {
				return Completed(err)
			}
			return Completed(h.Handle(ctx, msg, hc))
		},
	}
}

// HandleFunc describes a synchronous handler function for T.
func HandleFunc[T any](fn func(ctx context.Context, msg T, hc HandlerContext) error) HandlerDescriptor {
	if fn == nil {
		panic("servicebus: handler is required")
	}
	return Handle[T](MessageHandlerFunc[T](fn)).Named(fmt.Sprintf("func(%s)", TypeFor[T]()))
}

// HandleAsync describes an asynchronous handler for T.
func HandleAsync[T any](h AsyncMessageHandler[T]) HandlerDescriptor {
	if h == nil {
		panic("servicebus: handler is required")
	}
	return HandlerDescriptor{
		Name:       fmt.Sprintf("%T", h),
		Type:       TypeFor[T](),
		Async:      true,
		newMessage: newMessageFor[T](),
		invoke: func(ctx context.Context, body any, hc HandlerContext) Completion {
			msg, err := bodyAs[T](body)
			if err != nil {
				return Completed(err)
			}
			return h.HandleAsync(ctx, msg, hc)
		},
	}
}

// HandleAsyncFunc describes an asynchronous handler function for T.
func HandleAsyncFunc[T any](fn func(ctx context.Context, msg T, hc HandlerContext) Completion) HandlerDescriptor {
	if fn == nil {
		panic("servicebus: handler is required")
	}
	return HandleAsync[T](AsyncMessageHandlerFunc[T](fn)).Named(fmt.Sprintf("async func(%s)", TypeFor[T]()))
}

// AsAsync presents a synchronous handler as an asynchronous one. The handler
// still runs inline and its completion is already finished when returned.
func AsAsync(d HandlerDescriptor) HandlerDescriptor {
	d.Async = true
	return d
}

func newMessageFor[T any]() func() any {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		// T itself is a pointer; decode into a fresh T.
		elem := t.Elem()
		return func() any { return reflect.New(elem).Interface() }
	}
	return func() any { return new(T) }
}

func bodyAs[T any](body any) (T, error) {
	switch v := body.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("servicebus: body of type %T does not match handler type %s", body, TypeFor[T]())
}

// HandlerRegistry resolves the ordered handlers for a message type. It must be
// deterministic and safe for concurrent use.
type HandlerRegistry interface {
	GetHandlers(messageType MessageType) []HandlerDescriptor
}

// HandlerRegistryFunc adapts a function to HandlerRegistry.
type HandlerRegistryFunc func(messageType MessageType) []HandlerDescriptor

func (f HandlerRegistryFunc) GetHandlers(messageType MessageType) []HandlerDescriptor {
	return f(messageType)
}

// ConsumeWith returns the given handlers in order.
func ConsumeWith(descriptors ...HandlerDescriptor) []HandlerDescriptor {
	return slices.Clone(descriptors)
}

// ConsumeAll returns an empty handler set. Messages resolved to it are
// acknowledged without running anything.
func ConsumeAll() []HandlerDescriptor {
	return nil
}

// HandlerTable is a registry keyed by each descriptor's message type.
type HandlerTable struct {
	mu      sync.RWMutex
	entries map[MessageType][]HandlerDescriptor
}

// NewHandlerTable returns an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{entries: make(map[MessageType][]HandlerDescriptor)}
}

// Add appends descriptors after any already registered for the same type.
func (t *HandlerTable) Add(descriptors ...HandlerDescriptor) *HandlerTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[MessageType][]HandlerDescriptor)
	}
	for _, d := range descriptors {
		if !d.valid() {
			continue
		}
		t.entries[d.Type] = append(t.entries[d.Type], d)
	}
	return t
}

// GetHandlers returns a copy of the handlers registered for messageType.
func (t *HandlerTable) GetHandlers(messageType MessageType) []HandlerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.entries[messageType])
}

// Types lists the registered message types.
func (t *HandlerTable) Types() []MessageType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]MessageType, 0, len(t.entries))
	for mt := range t.entries {
		types = append(types, mt)
	}
	slices.Sort(types)
	return types
}
