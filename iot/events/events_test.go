package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotplane/iot/credentials"
)

type memorySink struct {
	events []Event
	err    error
	closed bool
}

func (s *memorySink) Emit(_ context.Context, e Event) error {
	s.events = append(s.events, e)
	return s.err
}

func (s *memorySink) Close() error {
	s.closed = true
	return s.err
}

func TestMulti(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{err: errors.New("unavailable")}
	m := Multi{a, b, LogSink{}}

	err := m.Emit(context.Background(), New(TypeDeviceConnected, "d1"))
	assert.EqualError(t, err, "unavailable")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.Error(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestCertificateObserver(t *testing.T) {
	sink := &memorySink{}
	o := CertificateObserver{Sink: sink}
	o.CertificateIssued(credentials.Record{Serial: big.NewInt(1000), SubjectCN: "d1"})
	o.CertificateRevoked(credentials.Record{Serial: big.NewInt(1000), SubjectCN: "d1"})

	require.Len(t, sink.events, 2)
	assert.Equal(t, TypeCertificateIssued, sink.events[0].Type)
	assert.Equal(t, TypeCertificateRevoked, sink.events[1].Type)
	assert.Equal(t, "d1", sink.events[1].Identity)
	assert.Equal(t, "3E8", sink.events[1].Serial)

	assert.NotPanics(t, func() { CertificateObserver{}.CertificateIssued(credentials.Record{SubjectCN: "d1"}) })
}

type memoryWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &memoryWriter{}
	s := &KafkaSink{writer: w}
	e := New(TypeDeviceProperties, "d1")
	e.Payload = json.RawMessage(`{"battery":80}`)
	require.NoError(t, s.Emit(context.Background(), e))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "d1", string(w.messages[0].Key))
	var got Event
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &got))
	assert.Equal(t, TypeDeviceProperties, got.Type)
	assert.JSONEq(t, `{"battery":80}`, string(got.Payload))
	assert.Equal(t, "type", w.messages[0].Headers[0].Key)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSinkBatchTimeout(t *testing.T) {
	s := NewKafkaSink([]string{"localhost:9092"}, "events")
	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, kafkaBatchTimeout, w.BatchTimeout)
	assert.Less(t, w.BatchTimeout, 100*time.Millisecond)
	assert.NoError(t, s.Close())
}

type memorySQS struct {
	inputs []*sqs.SendMessageInput
}

func (c *memorySQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.inputs = append(c.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSSink(t *testing.T) {
	client := &memorySQS{}
	s := NewSQSSinkWithClient(client, "https://sqs.eu-central-1.amazonaws.com/1/events")
	require.NoError(t, s.Emit(context.Background(), New(TypeDeviceDisconnected, "d2")))

	require.Len(t, client.inputs, 1)
	input := client.inputs[0]
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/1/events", *input.QueueUrl)
	assert.Equal(t, TypeDeviceDisconnected, *input.MessageAttributes["type"].StringValue)
	var got Event
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &got))
	assert.Equal(t, "d2", got.Identity)
	assert.NoError(t, s.Close())
}

// slowSink holds back connect events, like a writer waiting for its batch
type slowSink struct {
	mu     sync.Mutex
	types  []string
	closed bool
}

func (s *slowSink) Emit(_ context.Context, e Event) error {
	if e.Type == TypeDeviceConnected {
		time.Sleep(50 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, e.Type)
	return nil
}

func (s *slowSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestQueueKeepsOrder(t *testing.T) {
	sink := &slowSink{}
	q := NewQueue(sink, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, q.Emit(ctx, New(TypeDeviceConnected, "d1")))
	require.NoError(t, q.Emit(ctx, New(TypeDeviceProperties, "d1")))
	require.NoError(t, q.Emit(ctx, New(TypeDeviceDisconnected, "d1")))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "emit does not wait for the sink")

	require.NoError(t, q.Close())
	assert.True(t, sink.closed)
	assert.Equal(t, []string{TypeDeviceConnected, TypeDeviceProperties, TypeDeviceDisconnected}, sink.types)

	assert.ErrorIs(t, q.Emit(ctx, New(TypeDeviceConnected, "d1")), ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestQueueFull(t *testing.T) {
	sink := &slowSink{}
	q := NewQueue(sink, 1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = q.Emit(ctx, New(TypeDeviceConnected, "d1"))
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueLogsSinkErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("unavailable")}
	q := NewQueue(sink, 0)
	assert.NoError(t, q.Emit(context.Background(), New(TypeDeviceConnected, "d1")))
	assert.Error(t, q.Close())
	assert.Len(t, sink.events, 1)
}
