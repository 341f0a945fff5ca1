// Package schema maps fully-qualified message type names, e.g.
// "dfproto.StringMessage", to the functions that encode and decode them.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
)

var (
	ErrUnknownType = errors.New("schema: unknown type")
	ErrValueType   = errors.New("schema: unexpected value type")
)

type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Funcs builds a Codec from a pair of functions.
type Funcs struct {
	EncodeFunc func(any) ([]byte, error)
	DecodeFunc func([]byte) (any, error)
}

func (f Funcs) Encode(value any) ([]byte, error) {
	return f.EncodeFunc(value)
}

func (f Funcs) Decode(data []byte) (any, error) {
	return f.DecodeFunc(data)
}

type Registry struct {
	mu    *sync.RWMutex
	types map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{
		mu:    &sync.RWMutex{},
		types: make(map[string]Codec),
	}
}

func (r *Registry) Register(name string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[name]; ok {
		panic(fmt.Sprintf("schema type %s already registered", name))
	}
	r.types[name] = codec
}

func (r *Registry) Lookup(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return codec, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Proto adapts a generated protobuf message type. newFn must return a fresh,
// non-nil message.
func Proto[T proto.Message](newFn func() T) Codec {
	return Funcs{
		EncodeFunc: func(value any) ([]byte, error) {
			msg, ok := value.(T)
			if !ok {
				return nil, fmt.Errorf("%w: expected %T, got %T", ErrValueType, *new(T), value)
			}
			return proto.Marshal(msg)
		},
		DecodeFunc: func(data []byte) (any, error) {
			msg := newFn()
			if err := proto.Unmarshal(data, msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}
}

// WireMessage is implemented by hand-written messages that encode themselves.
type WireMessage interface {
	Marshal() []byte
	Unmarshal(data []byte) error
}

// Message adapts a hand-written message type. Encode accepts either T or *T,
// Decode always returns *T.
func Message[T any, PT interface {
	*T
	WireMessage
}]() Codec {
	return Funcs{
		EncodeFunc: func(value any) ([]byte, error) {
			switch v := value.(type) {
			case PT:
				if v == nil {
					return nil, fmt.Errorf("%w: nil %T", ErrValueType, v)
				}
				return v.Marshal(), nil
			case T:
				return PT(&v).Marshal(), nil
			default:
				return nil, fmt.Errorf("%w: expected %T, got %T", ErrValueType, PT(nil), value)
			}
		},
		DecodeFunc: func(data []byte) (any, error) {
			var msg T
			if err := PT(&msg).Unmarshal(data); err != nil {
				return nil, err
			}
			return PT(&msg), nil
		},
	}
}
