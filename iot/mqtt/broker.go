package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/authorization"
	"github.com/relabs-tech/iotplane/iot/events"
	"github.com/relabs-tech/iotplane/iot/metrics"
	"github.com/relabs-tech/iotplane/iot/topic"
)

// RPCHandler handles messages on the rpc topics of a device
type RPCHandler interface {
	HandleMessage(ctx context.Context, identity, topic string, payload []byte)
}

// TwinHandler handles properties of a device and resumes it when the device
// subscribes to its configuration
type TwinHandler interface {
	ReportProperties(ctx context.Context, identity string, raw []byte) (bool, error)
	Resume(ctx context.Context, identity string) error
}

// Broker is a MQTT broker for IoT.
type Broker struct {
	p        *plugin
	listener net.Listener
	zap      *zap.Logger
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Listener is the TLS listener, usually a *rotation.Listener. It must return
	// connections with a completed handshake. This is mandatory.
	Listener net.Listener
	// Gate authenticates sessions and authorizes topics. This is mandatory.
	Gate *authorization.Gate
	// RPC receives the rpc messages of devices. Optional.
	RPC RPCHandler
	// Twin receives the properties of devices. Optional.
	Twin TwinHandler
	// Events receives connect, disconnect and properties events, usually an
	// *events.Queue. Optional.
	Events events.Sink
	// ZapLogger is the logger of the gmqtt engine. Optional.
	ZapLogger *zap.Logger
	// RequireClientIDMatch refuses sessions whose client ID differs from the identity
	RequireClientIDMatch bool
}

// tlsConn is implemented by *tls.Conn and *rotation.Conn
type tlsConn interface {
	ConnectionState() tls.ConnectionState
}

type session struct {
	identity  string
	connected bool
}

// plugin is the plugin for GMQTT
type plugin struct {
	gate                 *authorization.Gate
	rpc                  RPCHandler
	twin                 TwinHandler
	events               events.Sink
	requireClientIDMatch bool

	sessionsRwmux sync.RWMutex
	sessions      map[net.Conn]*session

	serviceMux sync.RWMutex
	service    gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Listener == nil {
		panic("listener is missing")
	}
	if bb.Gate == nil {
		panic("gate is missing")
	}
	zapLogger := bb.ZapLogger
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	return &Broker{
		listener: bb.Listener,
		zap:      zapLogger,
		p: &plugin{
			gate:                 bb.Gate,
			rpc:                  bb.RPC,
			twin:                 bb.Twin,
			events:               bb.Events,
			requireClientIDMatch: bb.RequireClientIDMatch,
			sessions:             make(map[net.Conn]*session),
		},
	}
}

// Run runs the server until ctx is done and then stops it gracefully.
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listener),
		gmqtt.WithPlugin(b.p),
		gmqtt.WithLogger(b.zap),
	)
	s.Run()
	logger.Default().Infof("mqtt broker listening on %s", b.listener.Addr())

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Stop(stopCtx)
	logger.Default().Infoln("mqtt broker stopped")
	return err
}

// Publish publishes an MQTT message. Messages published before the broker
// runs are dropped.
func (b *Broker) Publish(topic string, payload []byte, qos uint8) {
	b.p.serviceMux.RLock()
	service := b.p.service
	b.p.serviceMux.RUnlock()
	if service == nil {
		logger.Default().Warnf("mqtt broker not running, dropping message on %s", topic)
		return
	}
	logger.Default().Debugf("publish on %s (%d bytes)", topic, len(payload))
	service.PublishService().Publish(gmqtt.NewMessage(topic, payload, qos))
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.Publish(topic, payload, packets.QOS_1)
}

// Sessions returns the number of connected devices
func (b *Broker) Sessions() int {
	return b.p.connectedSessions()
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = nil
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iotplane broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) identityFromConnection(conn net.Conn) string {
	p.sessionsRwmux.RLock()
	defer p.sessionsRwmux.RUnlock()
	if s, ok := p.sessions[conn]; ok {
		return s.identity
	}
	return ""
}

func (p *plugin) connectedSessions() int {
	p.sessionsRwmux.RLock()
	defer p.sessionsRwmux.RUnlock()
	n := 0
	for _, s := range p.sessions {
		if s.connected {
			n++
		}
	}
	return n
}

func (p *plugin) emit(e events.Event) {
	if p.events == nil {
		return
	}
	// emitted in hook order, the sink keeps the order per device
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.events.Emit(ctx, e); err != nil {
		logger.Default().WithError(err).Errorf("cannot emit %s for %s", e.Type, e.Identity)
	}
}

// admit binds the identity of the client certificate to conn. It does not
// block, the listener completes the handshake before handing out conn.
func (p *plugin) admit(conn net.Conn) (string, error) {
	tc, ok := conn.(tlsConn)
	if !ok {
		return "", fmt.Errorf("%w: not a TLS connection", authorization.ErrAuthenticationFailure)
	}
	state := tc.ConnectionState()
	if !state.HandshakeComplete {
		return "", fmt.Errorf("%w: TLS handshake not completed", authorization.ErrAuthenticationFailure)
	}
	identity, err := p.gate.Identity(state)
	if err != nil {
		return "", err
	}
	p.sessionsRwmux.Lock()
	defer p.sessionsRwmux.Unlock()
	p.sessions[conn] = &session{identity: identity}
	return identity, nil
}

// connect checks the client ID and marks the session connected
func (p *plugin) connect(ctx context.Context, conn net.Conn, clientID string) error {
	identity := p.identityFromConnection(conn)
	if identity == "" {
		return fmt.Errorf("%w: connection has no identity", authorization.ErrAuthenticationFailure)
	}
	if p.requireClientIDMatch && clientID != identity {
		p.sessionsRwmux.Lock()
		delete(p.sessions, conn)
		p.sessionsRwmux.Unlock()
		return fmt.Errorf("%w: client ID '%s' does not match identity '%s'", authorization.ErrAuthenticationFailure, clientID, identity)
	}
	p.sessionsRwmux.Lock()
	if s, ok := p.sessions[conn]; ok {
		s.connected = true
	}
	p.sessionsRwmux.Unlock()

	metrics.Sessions.Inc()
	logger.FromContext(ctx).Infof("connect %s", identity)
	p.emit(events.New(events.TypeDeviceConnected, identity))
	return nil
}

// subscribed publishes the stored configuration again once a device
// subscribed to its configuration topic
func (p *plugin) subscribed(ctx context.Context, conn net.Conn, filter string) {
	identity := p.identityFromConnection(conn)
	if p.twin == nil || identity == "" || !topic.Match(filter, topic.ConfigurationTopic(identity)) {
		return
	}
	if err := p.twin.Resume(ctx, identity); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot resume twin of %s", identity)
	}
}

// subscribe applies the topic policy to a subscription
func (p *plugin) subscribe(ctx context.Context, conn net.Conn, filter string) bool {
	identity := p.identityFromConnection(conn)
	if err := p.gate.AuthorizeSubscribe(identity, filter); err != nil {
		metrics.ACLDenied.WithLabelValues("subscribe").Inc()
		logger.FromContext(ctx).Warnln("subscribe denied:", err)
		return false
	}
	logger.FromContext(ctx).Debugf("%s subscribes to %s", identity, filter)
	return true
}

// arrived applies the topic policy to a publish and routes it
func (p *plugin) arrived(ctx context.Context, conn net.Conn, t string, payload []byte) bool {
	identity := p.identityFromConnection(conn)
	if err := p.gate.AuthorizePublish(identity, t); err != nil {
		metrics.ACLDenied.WithLabelValues("publish").Inc()
		logger.FromContext(ctx).Warnln("publish denied:", err)
		return false
	}

	dt, ok := topic.Parse(t)
	if !ok || dt.Identity != identity {
		return true
	}
	// the engine may reuse the payload buffer
	body := append([]byte{}, payload...)

	switch dt.Kind {
	case topic.KindRequest, topic.KindResponse, topic.KindSupported:
		if p.rpc != nil {
			go p.rpc.HandleMessage(ctx, identity, t, body)
		}
	case topic.KindProperties:
		if p.twin != nil {
			changed, err := p.twin.ReportProperties(ctx, identity, body)
			if err != nil {
				logger.FromContext(ctx).Warnln("invalid properties:", err)
				return false
			}
			if changed {
				e := events.New(events.TypeDeviceProperties, identity)
				e.Topic = t
				e.Payload = json.RawMessage(body)
				p.emit(e)
			}
		}
	}
	return true
}

// release unbinds the identity of conn
func (p *plugin) release(ctx context.Context, conn net.Conn) {
	p.sessionsRwmux.Lock()
	s, ok := p.sessions[conn]
	delete(p.sessions, conn)
	p.sessionsRwmux.Unlock()
	if !ok || !s.connected {
		return
	}
	metrics.Sessions.Dec()
	logger.FromContext(ctx).Infof("disconnect %s", s.identity)
	p.emit(events.New(events.TypeDeviceDisconnected, s.identity))
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		identity, err := p.admit(conn)
		if err != nil {
			metrics.Connections.WithLabelValues("refused").Inc()
			logger.Default().Warnf("connection from %s refused: %v", conn.RemoteAddr(), err)
			return false
		}
		metrics.Connections.WithLabelValues("accepted").Inc()
		logger.Default().Debugf("accept %s from %s", identity, conn.RemoteAddr())
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		conn := client.Connection()
		sctx, rlog := logger.ContextWithLoggerIdentity(ctx, p.identityFromConnection(conn))
		if err := p.connect(sctx, conn, client.OptionsReader().ClientID()); err != nil {
			rlog.Warnln("connect denied:", err)
			return packets.CodeNotAuthorized
		}
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		sctx, _ := logger.ContextWithLoggerIdentity(ctx, p.identityFromConnection(client.Connection()))
		if !p.subscribe(sctx, client.Connection(), t.Name) {
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// OnSubscribedWrapper resumes the configuration of a device
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) {
		subscribed(ctx, client, t)
		// the twin may hit the database, the client's read loop does not wait for it
		sctx, _ := logger.ContextWithLoggerIdentity(context.Background(), p.identityFromConnection(client.Connection()))
		go p.subscribed(sctx, client.Connection(), t.Name)
	}
}

// OnMsgArrivedWrapper enforces topic policy and routes device messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		// handlers may outlive the hook, hence a fresh context
		sctx, _ := logger.ContextWithLoggerIdentity(context.Background(), p.identityFromConnection(client.Connection()))
		if !p.arrived(sctx, client.Connection(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnCloseWrapper releases the identity of a closed session
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		sctx, _ := logger.ContextWithLoggerIdentity(ctx, p.identityFromConnection(client.Connection()))
		p.release(sctx, client.Connection())
		closed(ctx, client, err)
	}
}
