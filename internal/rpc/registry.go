package rpc

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

var (
	ErrMethodNotRegistered = errors.New("rpc: method not registered for type")
	ErrDuplicateMethod     = errors.New("rpc: duplicate method registration")
)

// PublishOptions are the relay publish attributes attached to one side of
// a request/response pair.
type PublishOptions struct {
	Tag    uint32
	TTL    time.Duration
	Prompt bool
}

type registryEntry struct {
	method   string
	request  PublishOptions
	response PublishOptions
}

// Registry maps a request parameter type to its JSON-RPC method name and
// static publish options. It replaces attribute inspection with explicit
// registration at engine construction; a missing or duplicate
// registration is a configuration error surfaced at first use.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]registryEntry
	methods map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[reflect.Type]registryEntry),
		methods: make(map[string]reflect.Type),
	}
}

// Register declares the method name and publish options for the request
// type T. Exactly one registration per type and per method is allowed.
func Register[T any](r *Registry, method string, request, response PublishOptions) error {
	t := reflect.TypeFor[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, t)
	}
	if _, ok := r.methods[method]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, method)
	}
	r.byType[t] = registryEntry{method: method, request: request, response: response}
	r.methods[method] = t
	return nil
}

func (r *Registry) lookup(t reflect.Type) (registryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	if !ok {
		return registryEntry{}, fmt.Errorf("%w: %s", ErrMethodNotRegistered, t)
	}
	return e, nil
}

// MethodOf returns the JSON-RPC method name registered for T.
func MethodOf[T any](r *Registry) (string, error) {
	e, err := r.lookup(reflect.TypeFor[T]())
	if err != nil {
		return "", err
	}
	return e.method, nil
}

func RequestOptions[T any](r *Registry) (PublishOptions, error) {
	e, err := r.lookup(reflect.TypeFor[T]())
	if err != nil {
		return PublishOptions{}, err
	}
	return e.request, nil
}

func ResponseOptions[T any](r *Registry) (PublishOptions, error) {
	e, err := r.lookup(reflect.TypeFor[T]())
	if err != nil {
		return PublishOptions{}, err
	}
	return e.response, nil
}
