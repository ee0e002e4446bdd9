// Package events emits device and certificate events to external systems
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/credentials"
	"github.com/relabs-tech/iotplane/iot/metrics"
)

// Event types
const (
	TypeDeviceProperties   = "device.properties"
	TypeDeviceConnected    = "device.connected"
	TypeDeviceDisconnected = "device.disconnected"
	TypeCertificateIssued  = "certificate.issued"
	TypeCertificateRevoked = "certificate.revoked"
)

// Event is something that happened to a device or its certificates
type Event struct {
	Type     string          `json:"type"`
	Identity string          `json:"identity"`
	Topic    string          `json:"topic,omitempty"`
	Serial   string          `json:"serial,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Time     time.Time       `json:"time"`
}

// New returns an event of type t for identity happening now
func New(t, identity string) Event {
	return Event{Type: t, Identity: identity, Time: time.Now().UTC()}
}

// Sink receives events
type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// LogSink writes events to the log
type LogSink struct{}

// Emit implements Sink
func (LogSink) Emit(ctx context.Context, e Event) error {
	rlog := logger.FromContext(ctx).WithField("event", e.Type).WithField("identity", e.Identity)
	if e.Serial != "" {
		rlog = rlog.WithField("serial", e.Serial)
	}
	rlog.Infoln("event")
	return nil
}

// Close implements Sink
func (LogSink) Close() error { return nil }

// Multi fans events out to several sinks. All sinks get every event, errors are combined.
type Multi []Sink

// Emit implements Sink
func (m Multi) Emit(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ctx, e))
	}
	return err
}

// Close implements Sink
func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// CertificateObserver turns the authority's notifications into events
type CertificateObserver struct {
	Sink Sink
}

// CertificateIssued implements credentials.Observer
func (o CertificateObserver) CertificateIssued(r credentials.Record) {
	metrics.Certificates.WithLabelValues("issued").Inc()
	o.emit(TypeCertificateIssued, r)
}

// CertificateRevoked implements credentials.Observer
func (o CertificateObserver) CertificateRevoked(r credentials.Record) {
	metrics.Certificates.WithLabelValues("revoked").Inc()
	o.emit(TypeCertificateRevoked, r)
}

func (o CertificateObserver) emit(t string, r credentials.Record) {
	if o.Sink == nil {
		return
	}
	e := New(t, r.SubjectCN)
	e.Serial = r.SerialHex()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Sink.Emit(ctx, e); err != nil {
		logger.Default().WithError(err).Errorf("cannot emit %s for %s", t, r.SubjectCN)
	}
}
