package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotplane/iot/events"
	"github.com/relabs-tech/iotplane/iot/rotation"
	"github.com/relabs-tech/iotplane/iot/topic"
)

// runBroker runs a broker on a rotation listener until the test ends
func (f *fixture) runBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	ln, err := rotation.Listen("127.0.0.1:0", f.config, rotation.WithHandshakeTimeout(3*time.Second))
	require.NoError(t, err)
	b := NewBroker(&Builder{
		Listener:             ln,
		Gate:                 f.gate,
		Twin:                 f.twin,
		Events:               f.sink,
		RequireClientIDMatch: true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		b.p.serviceMux.RLock()
		defer b.p.serviceMux.RUnlock()
		return b.p.service != nil
	}, 2*time.Second, 10*time.Millisecond)
	return b, ln.Addr().String()
}

type mqttClient struct {
	conn *tls.Conn
	r    *packets.Reader
	w    *packets.Writer
}

// dialMQTT opens a TLS session for cn and sends CONNECT
func (f *fixture) dialMQTT(t *testing.T, addr, cn string) (*mqttClient, *packets.Connack) {
	t.Helper()
	creds, err := f.authority.Issue(context.Background(), cn)
	require.NoError(t, err)
	cert, err := tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.Key))
	require.NoError(t, err)

	c, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      f.material.CAPool(),
		ServerName:   "localhost",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))

	mc := &mqttClient{conn: c, r: packets.NewReader(c), w: packets.NewWriter(c)}
	require.NoError(t, mc.w.WriteAndFlush(&packets.Connect{
		ProtocolName:  []byte("MQTT"),
		ProtocolLevel: 0x04,
		CleanSession:  true,
		KeepAlive:     30,
		ClientID:      []byte(cn),
	}))
	p, err := mc.r.ReadPacket()
	require.NoError(t, err)
	ack, ok := p.(*packets.Connack)
	require.True(t, ok, "expected CONNACK, got %v", p)
	return mc, ack
}

// nextPublish skips acknowledgements until a PUBLISH arrives
func (mc *mqttClient) nextPublish(t *testing.T) *packets.Publish {
	t.Helper()
	for {
		p, err := mc.r.ReadPacket()
		require.NoError(t, err)
		if pub, ok := p.(*packets.Publish); ok {
			return pub
		}
	}
}

func TestBrokerAcceptsDespiteIdleConnection(t *testing.T) {
	f := newFixture(t)
	_, addr := f.runBroker(t)

	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, ack := f.dialMQTT(t, addr, "d1")
	assert.Equal(t, byte(packets.CodeAccepted), ack.Code)
	assert.Less(t, time.Since(start), time.Second, "an idle connection held up the accept loop")

	e := <-f.sink.events
	assert.Equal(t, events.TypeDeviceConnected, e.Type)
	assert.Equal(t, "d1", e.Identity)
}

func TestBrokerRefusesMismatchingClientID(t *testing.T) {
	f := newFixture(t)
	_, addr := f.runBroker(t)

	creds, err := f.authority.Issue(context.Background(), "d1")
	require.NoError(t, err)
	cert, err := tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.Key))
	require.NoError(t, err)
	c, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      f.material.CAPool(),
		ServerName:   "localhost",
	})
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	w, r := packets.NewWriter(c), packets.NewReader(c)
	require.NoError(t, w.WriteAndFlush(&packets.Connect{
		ProtocolName:  []byte("MQTT"),
		ProtocolLevel: 0x04,
		CleanSession:  true,
		ClientID:      []byte("d2"),
	}))
	p, err := r.ReadPacket()
	require.NoError(t, err)
	ack, ok := p.(*packets.Connack)
	require.True(t, ok)
	assert.Equal(t, byte(packets.CodeNotAuthorized), ack.Code)
}

func TestBrokerResumesConfigurationAfterSubscribe(t *testing.T) {
	f := newFixture(t)
	b, addr := f.runBroker(t)
	f.twin.mu.Lock()
	f.twin.onResume = func(identity string) {
		b.PublishMessageQ1(topic.ConfigurationTopic(identity), []byte(`{"interval":5}`))
	}
	f.twin.mu.Unlock()

	mc, ack := f.dialMQTT(t, addr, "d1")
	require.Equal(t, byte(packets.CodeAccepted), ack.Code)
	require.NoError(t, mc.w.WriteAndFlush(&packets.Subscribe{
		PacketID: 1,
		Topics:   []packets.Topic{{Name: topic.ConfigurationTopic("d1"), Qos: packets.QOS_1}},
	}))

	pub := mc.nextPublish(t)
	assert.Equal(t, "devices/d1/configuration", string(pub.TopicName))
	assert.JSONEq(t, `{"interval":5}`, string(pub.Payload))
	assert.Equal(t, []string{"d1"}, f.twin.resumedIdentities())
}
