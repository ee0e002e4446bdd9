package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/core/schema"
)

// DiscoverMethod is the name of the method listing all registered methods
const DiscoverMethod = "rpc.discover"

// Handler implements a method. The returned value is marshalled as result.
// Returning an *Error sends it unchanged, an error wrapping ErrInvalidParams
// becomes CodeInvalidParams and every other error an internal error.
type Handler func(ctx context.Context, identity string, params json.RawMessage) (interface{}, error)

// MethodDefinition describes params and result of a method as JSON schemas
type MethodDefinition struct {
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// MethodDescriptor describes a method, both for methods of the cloud and
// for methods advertised by devices on their rpc/supported topic
type MethodDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Definition  MethodDefinition `json:"definition"`
}

type method struct {
	handler    Handler
	descriptor MethodDescriptor
	schemaID   string
}

// MethodOption configures a registered method
type MethodOption func(m *method) error

// WithDescription sets the description returned by discovery
func WithDescription(description string) MethodOption {
	return func(m *method) error {
		m.descriptor.Description = description
		return nil
	}
}

// WithParamsSchema validates params against the JSON schema before the handler is invoked
func WithParamsSchema(paramsSchema string) MethodOption {
	return func(m *method) error {
		if !json.Valid([]byte(paramsSchema)) {
			return fmt.Errorf("params schema of %s is not valid json", m.descriptor.Name)
		}
		m.descriptor.Definition.Params = json.RawMessage(paramsSchema)
		m.schemaID = "rpc://" + m.descriptor.Name + "/params"
		return nil
	}
}

// WithResultSchema documents the result of a method
func WithResultSchema(resultSchema string) MethodOption {
	return func(m *method) error {
		if !json.Valid([]byte(resultSchema)) {
			return fmt.Errorf("result schema of %s is not valid json", m.descriptor.Name)
		}
		m.descriptor.Definition.Result = json.RawMessage(resultSchema)
		return nil
	}
}

// Registry holds the methods the cloud offers to devices. Methods are
// registered explicitly at startup.
type Registry struct {
	mu        sync.RWMutex
	methods   map[string]*method
	validator *schema.Validator
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	validator, err := schema.NewValidator(nil, nil)
	if err != nil {
		panic(err)
	}
	return &Registry{
		methods:   make(map[string]*method),
		validator: validator,
	}
}

// Register adds a method. Registering a name twice returns ErrDuplicateMethod.
func (r *Registry) Register(name string, handler Handler, opts ...MethodOption) error {
	if name == "" {
		return fmt.Errorf("method name is missing")
	}
	if handler == nil {
		return fmt.Errorf("handler of %s is missing", name)
	}
	m := &method{handler: handler, descriptor: MethodDescriptor{Name: name}}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	if m.schemaID != "" {
		if err := r.validator.Add(m.schemaID, string(m.descriptor.Definition.Params)); err != nil {
			return err
		}
	}
	r.methods[name] = m
	logger.Default().Debugf("registered JSON-RPC method %s", name)
	return nil
}

// MustRegister is Register but panics on error
func (r *Registry) MustRegister(name string, handler Handler, opts ...MethodOption) {
	if err := r.Register(name, handler, opts...); err != nil {
		panic(err)
	}
}

// RegisterDiscovery registers DiscoverMethod
func (r *Registry) RegisterDiscovery() error {
	return r.Register(DiscoverMethod,
		func(context.Context, string, json.RawMessage) (interface{}, error) {
			return r.Methods(), nil
		},
		WithDescription("lists the methods offered to devices"),
	)
}

// Methods returns the descriptors of all methods sorted by name
func (r *Registry) Methods() []MethodDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]MethodDescriptor, 0, len(r.methods))
	for _, m := range r.methods {
		descriptors = append(descriptors, m.descriptor)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// Has returns true if name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Dispatch invokes a method on behalf of identity. Failures, including
// handler panics, are returned as error objects ready to be sent.
func (r *Registry) Dispatch(ctx context.Context, identity, name string, params json.RawMessage) (json.RawMessage, *Error) {
	r.mu.RLock()
	m, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("Method %s not found", name))
	}

	rlog := logger.FromContext(ctx)
	if m.schemaID != "" {
		if err := r.validator.ValidateBytes(params, m.schemaID); err != nil {
			rlog.Debugf("invalid params for %s: %v", name, err)
			e := NewError(CodeInvalidParams, "Invalid params")
			e.Data, _ = json.Marshal(err.Error())
			return nil, e
		}
	}

	value, err := callWithPanicEnvelope(ctx, m.handler, identity, params)
	if err != nil {
		var rpcErr *Error
		switch {
		case errors.As(err, &rpcErr):
			return nil, rpcErr
		case errors.Is(err, ErrInvalidParams):
			return nil, NewError(CodeInvalidParams, err.Error())
		default:
			rlog.WithError(err).Warnf("error invoking JSON-RPC method %s", name)
			return nil, NewError(CodeInternalError, "Internal error")
		}
	}

	switch v := value.(type) {
	case nil:
		return nullID, nil
	case json.RawMessage:
		return v, nil
	}
	result, err := json.Marshal(value)
	if err != nil {
		rlog.WithError(err).Errorf("cannot marshal result of %s", name)
		return nil, NewError(CodeInternalError, "Internal error")
	}
	return result, nil
}

func callWithPanicEnvelope(ctx context.Context, handler Handler, identity string, params json.RawMessage) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return handler(ctx, identity, params)
}

// Bind unmarshals params into v. Failures wrap ErrInvalidParams.
func Bind(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: params are missing", ErrInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
