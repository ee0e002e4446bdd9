/*Package rpc implements JSON-RPC 2.0 over MQTT in both directions

Devices send requests to devices/{id}/rpc/request[/{suffix}] and receive
the response on devices/{id}/rpc/response/{rpcid}. Requests which cannot be
parsed are answered on the suffix topic if there is one, otherwise on
devices/{id}/rpc/error.

The cloud calls device methods by publishing to devices/{id}/rpc/request/{uuid}
and waits for the matching response on devices/{id}/rpc/response/{uuid}.
Outstanding calls are kept in a table keyed by identity and id. Each of them
is resolved exactly once: by the response, by its timeout, by context
cancellation or by Shutdown.
*/
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot"
	"github.com/relabs-tech/iotplane/iot/metrics"
	"github.com/relabs-tech/iotplane/iot/topic"
)

// DefaultTimeout of calls to devices
const DefaultTimeout = 10 * time.Second

// Service dispatches device requests to a Registry and correlates calls to devices
type Service struct {
	publisher iot.MessagePublisher
	registry  *Registry
	pending   *pendingTable
	timeout   time.Duration

	supportedMux sync.RWMutex
	supported    []func(ctx context.Context, identity string, methods []MethodDescriptor)
}

// Option configures a Service
type Option func(*Service)

// WithDefaultTimeout sets the timeout of calls which do not specify one
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService returns a service publishing through publisher
func NewService(publisher iot.MessagePublisher, registry *Registry, opts ...Option) *Service {
	if publisher == nil {
		panic("publisher is missing")
	}
	if registry == nil {
		panic("registry is missing")
	}
	s := &Service{
		publisher: publisher,
		registry:  registry,
		pending:   newPendingTable(),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the method registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// OnSupported registers a callback for the methods a device advertises on its rpc/supported topic
func (s *Service) OnSupported(fn func(ctx context.Context, identity string, methods []MethodDescriptor)) {
	s.supportedMux.Lock()
	defer s.supportedMux.Unlock()
	s.supported = append(s.supported, fn)
}

// HandleMessage processes a message published by identity. Messages on
// topics outside the identity's rpc namespace are ignored.
func (s *Service) HandleMessage(ctx context.Context, identity, t string, payload []byte) {
	dt, ok := topic.Parse(t)
	if !ok || dt.Identity != identity {
		logger.FromContext(ctx).Debugf("rpc: ignoring message on %s", t)
		return
	}
	switch dt.Kind {
	case topic.KindRequest:
		s.handleRequest(ctx, identity, dt.Suffix, payload)
	case topic.KindResponse:
		s.handleResponse(ctx, identity, dt.Suffix, payload)
	case topic.KindSupported:
		s.handleSupported(ctx, identity, payload)
	}
}

func (s *Service) publish(ctx context.Context, t string, response *Response) {
	payload, err := json.Marshal(response)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot marshal response for %s", t)
		return
	}
	logger.FromContext(ctx).Debugf("rpc: publish %s: %s", t, payload)
	s.publisher.PublishMessageQ1(t, payload)
}

func (s *Service) handleRequest(ctx context.Context, identity, suffix string, payload []byte) {
	rlog := logger.FromContext(ctx)
	errorTopic := topic.ErrorTopic(identity)

	if isBatch(payload) {
		rlog.Warnf("rpc: batch request from %s refused", identity)
		s.publish(ctx, errorTopic, failure(nil, NewError(CodeInvalidRequest, "Batch requests are not supported")))
		metrics.RPCRequests.WithLabelValues("", fmt.Sprint(CodeInvalidRequest)).Inc()
		return
	}

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		rlog.Warnf("rpc: cannot parse request from %s: %v", identity, err)
		t := errorTopic
		if suffix != "" {
			t = topic.ResponseTopic(identity, suffix)
		}
		s.publish(ctx, t, failure(nil, NewError(CodeParseError, "Parse error")))
		metrics.RPCRequests.WithLabelValues("", fmt.Sprint(CodeParseError)).Inc()
		return
	}

	segment, hasID := idSegment(request.ID)
	if request.JSONRPC != Version || request.Method == "" || (!request.IsNotification() && !hasID) {
		t := errorTopic
		if hasID {
			t = topic.ResponseTopic(identity, segment)
		}
		s.publish(ctx, t, failure(request.ID, NewError(CodeInvalidRequest, "Invalid Request")))
		metrics.RPCRequests.WithLabelValues("", fmt.Sprint(CodeInvalidRequest)).Inc()
		return
	}

	rlog.Debugf("rpc: %s invokes %s()", identity, request.Method)
	result, rpcErr := s.registry.Dispatch(ctx, identity, request.Method, request.Params)

	label := request.Method
	if !s.registry.Has(label) {
		label = ""
	}
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	metrics.RPCRequests.WithLabelValues(label, fmt.Sprint(code)).Inc()

	if request.IsNotification() {
		return
	}
	response := success(request.ID, result)
	if rpcErr != nil {
		response = failure(request.ID, rpcErr)
	}
	s.publish(ctx, topic.ResponseTopic(identity, segment), response)
}

func (s *Service) handleResponse(ctx context.Context, identity, suffix string, payload []byte) {
	rlog := logger.FromContext(ctx)
	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		rlog.Warnf("rpc: cannot parse response from %s: %v", identity, err)
		return
	}
	id, ok := idSegment(response.ID)
	if !ok {
		id = suffix
	}
	call := s.pending.take(callKey{identity: identity, id: id})
	if call == nil {
		// our own responses to device requests travel on the same topics
		rlog.Debugf("rpc: no pending call %s of %s", id, identity)
		return
	}
	if response.Error != nil {
		call.resolve(callResult{err: response.Error})
		return
	}
	call.resolve(callResult{value: response.Result})
}

func (s *Service) handleSupported(ctx context.Context, identity string, payload []byte) {
	var methods []MethodDescriptor
	if err := json.Unmarshal(payload, &methods); err != nil {
		logger.FromContext(ctx).Warnf("rpc: invalid supported methods from %s: %v", identity, err)
		return
	}
	s.supportedMux.RLock()
	callbacks := append([]func(context.Context, string, []MethodDescriptor){}, s.supported...)
	s.supportedMux.RUnlock()
	for _, fn := range callbacks {
		fn(ctx, identity, methods)
	}
}

// Call invokes method on the device identity and waits for the result. A
// timeout <= 0 selects the default timeout. Error responses of the device
// are returned as *Error.
func (s *Service) Call(ctx context.Context, identity, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if err := topic.ValidIdentity(identity); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	id := uuid.New().String()
	request := Request{JSONRPC: Version, Method: method}
	request.ID, _ = json.Marshal(id)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		request.Params = raw
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	key := callKey{identity: identity, id: id}
	call, err := s.pending.add(key)
	if err != nil {
		metrics.RPCCalls.WithLabelValues("shutdown").Inc()
		return nil, err
	}
	timer := time.AfterFunc(timeout, func() {
		if c := s.pending.take(key); c != nil {
			c.resolve(callResult{err: fmt.Errorf("%w: %s.%s() after %v", ErrTimeout, identity, method, timeout)})
		}
	})
	defer timer.Stop()

	logger.FromContext(ctx).Debugf("rpc: calling %s.%s()", identity, method)
	s.publisher.PublishMessageQ1(topic.RequestTopic(identity, id), payload)

	var r callResult
	select {
	case r = <-call.done:
	case <-ctx.Done():
		if s.pending.take(key) != nil {
			r = callResult{err: ctx.Err()}
		} else {
			r = <-call.done
		}
	}
	metrics.RPCCalls.WithLabelValues(callLabel(r.err)).Inc()
	return r.value, r.err
}

func callLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	}
	return "error"
}

// Pending returns the number of outstanding calls
func (s *Service) Pending() int {
	return s.pending.len()
}

// Shutdown rejects all outstanding calls with ErrShuttingDown. Later calls
// fail immediately and later responses are ignored. Shutdown is idempotent.
func (s *Service) Shutdown() {
	calls := s.pending.drain()
	for _, c := range calls {
		c.resolve(callResult{err: ErrShuttingDown})
	}
	if len(calls) > 0 {
		logger.Default().Infof("rpc: rejected %d pending calls on shutdown", len(calls))
	}
}
