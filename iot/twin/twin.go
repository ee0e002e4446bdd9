package twin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot"
	"github.com/relabs-tech/iotplane/iot/rpc"
	"github.com/relabs-tech/iotplane/iot/topic"
)

// Keys of the twin
const (
	KeyProperties    = "properties"
	KeyMethods       = "methods"
	KeyConfiguration = "configuration"
)

var (
	// ErrNotAnObject is returned for properties or configurations which are not a JSON object
	ErrNotAnObject = errors.New("not a json object")
	// ErrMethodNotSupported is returned by CallMethod for methods the device did not advertise
	ErrMethodNotSupported = errors.New("method not supported by device")
)

// Caller calls methods on devices
type Caller interface {
	Call(ctx context.Context, identity, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Twin manages the device twins
type Twin struct {
	publisher iot.MessagePublisher
	store     Store
	caller    Caller
	now       func() time.Time
}

// Builder is a builder helper for the Twin
type Builder struct {
	// Publisher publishes configurations to devices. This is mandatory.
	Publisher iot.MessagePublisher
	// Store is optional. The default is a MemoryStore.
	Store Store
	// Caller is optional. Without it, CallMethod fails.
	Caller Caller
}

// New returns a twin
func New(b *Builder) *Twin {
	if b.Publisher == nil {
		panic("publisher is missing")
	}
	store := b.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Twin{
		publisher: b.Publisher,
		store:     store,
		caller:    b.Caller,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func object(raw []byte) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	var v map[string]interface{}
	if len(raw) == 0 || raw[0] != '{' || json.Unmarshal(raw, &v) != nil {
		return nil, ErrNotAnObject
	}
	return json.RawMessage(raw), nil
}

// ReportProperties stores the properties reported by a device. changed is
// false if they equal the previous report.
func (t *Twin) ReportProperties(ctx context.Context, identity string, raw []byte) (changed bool, err error) {
	properties, err := object(raw)
	if err != nil {
		return false, fmt.Errorf("properties of %s: %w", identity, err)
	}
	changed, err = t.store.PutReport(ctx, identity, KeyProperties, properties, t.now())
	if err != nil {
		return false, err
	}
	if changed {
		logger.FromContext(ctx).Debugf("twin: properties of %s changed", identity)
	}
	return changed, nil
}

// ReportMethods stores the methods advertised by a device
func (t *Twin) ReportMethods(ctx context.Context, identity string, methods []rpc.MethodDescriptor) error {
	if methods == nil {
		methods = []rpc.MethodDescriptor{}
	}
	raw, err := json.Marshal(methods)
	if err != nil {
		return err
	}
	_, err = t.store.PutReport(ctx, identity, KeyMethods, raw, t.now())
	return err
}

// HandleSupported is ReportMethods for rpc.Service.OnSupported
func (t *Twin) HandleSupported(ctx context.Context, identity string, methods []rpc.MethodDescriptor) {
	if err := t.ReportMethods(ctx, identity, methods); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("twin: cannot store methods of %s", identity)
		return
	}
	logger.FromContext(ctx).Infof("twin: %s supports %d methods", identity, len(methods))
}

// Properties returns the last reported properties, or an empty object
func (t *Twin) Properties(ctx context.Context, identity string) (json.RawMessage, error) {
	e, ok, err := t.store.Get(ctx, identity, KeyProperties)
	if err != nil || !ok {
		return emptyObject, err
	}
	return e.Report, nil
}

// Methods returns the methods advertised by a device
func (t *Twin) Methods(ctx context.Context, identity string) ([]rpc.MethodDescriptor, error) {
	methods := []rpc.MethodDescriptor{}
	e, ok, err := t.store.Get(ctx, identity, KeyMethods)
	if err != nil || !ok {
		return methods, err
	}
	if err := json.Unmarshal(e.Report, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// Configuration returns the configuration requested for a device, or an empty object
func (t *Twin) Configuration(ctx context.Context, identity string) (json.RawMessage, error) {
	e, ok, err := t.store.Get(ctx, identity, KeyConfiguration)
	if err != nil || !ok {
		return emptyObject, err
	}
	return e.Request, nil
}

// Entries returns the whole twin of a device
func (t *Twin) Entries(ctx context.Context, identity string) ([]Entry, error) {
	return t.store.List(ctx, identity)
}

// SetConfiguration stores the configuration of a device and publishes it
func (t *Twin) SetConfiguration(ctx context.Context, identity string, raw []byte) error {
	if err := topic.ValidIdentity(identity); err != nil {
		return err
	}
	configuration, err := object(raw)
	if err != nil {
		return fmt.Errorf("configuration of %s: %w", identity, err)
	}
	if err := t.store.PutRequest(ctx, identity, KeyConfiguration, configuration, t.now()); err != nil {
		return err
	}
	t.publisher.PublishMessageQ1(topic.ConfigurationTopic(identity), configuration)
	return nil
}

// Resume publishes a stored configuration again. It is called when a device
// subscribes to its configuration topic.
func (t *Twin) Resume(ctx context.Context, identity string) error {
	e, ok, err := t.store.Get(ctx, identity, KeyConfiguration)
	if err != nil || !ok {
		return err
	}
	logger.FromContext(ctx).Debugf("twin: resume configuration of %s", identity)
	t.publisher.PublishMessageQ1(topic.ConfigurationTopic(identity), e.Request)
	return nil
}

// CallMethod calls a method the device has advertised
func (t *Twin) CallMethod(ctx context.Context, identity, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if t.caller == nil {
		return nil, errors.New("twin has no rpc caller")
	}
	methods, err := t.Methods(ctx, identity)
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		if m.Name == method {
			return t.caller.Call(ctx, identity, method, params, timeout)
		}
	}
	return nil, fmt.Errorf("%w: %s.%s()", ErrMethodNotSupported, identity, method)
}
