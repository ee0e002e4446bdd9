package rotation

import (
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/credentials"
	"github.com/relabs-tech/iotplane/iot/metrics"
)

// Defaults of the coordinator
const (
	DefaultDebounce = 60 * time.Millisecond
	DefaultGrace    = 5 * time.Second
)

// ConfigBuilder returns the listener configuration for a revocation list
type ConfigBuilder func(crl *credentials.CRL) (*tls.Config, error)

// Coordinator rotates a Listener whenever the revocation list changes.
// Notifications arriving within the debounce interval coalesce into a
// single rotation with the latest list.
type Coordinator struct {
	listener *Listener
	build    ConfigBuilder
	keep     func(tls.ConnectionState) bool
	debounce time.Duration
	grace    time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	latest *credentials.CRL
	closed bool

	rotateMux sync.Mutex
	rotations atomic.Int64
}

// NewCoordinator returns a coordinator. Zero durations select the defaults.
func NewCoordinator(listener *Listener, build ConfigBuilder, keep func(tls.ConnectionState) bool, debounce, grace time.Duration) *Coordinator {
	if listener == nil {
		panic("listener is missing")
	}
	if build == nil {
		panic("config builder is missing")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Coordinator{
		listener: listener,
		build:    build,
		keep:     keep,
		debounce: debounce,
		grace:    grace,
	}
}

// Notify schedules a rotation for crl. It never blocks, so it can be
// passed to credentials.Authority.Subscribe directly.
func (c *Coordinator) Notify(crl *credentials.CRL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.latest = crl
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.fire)
		return
	}
	c.timer.Reset(c.debounce)
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	crl := c.latest
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.rotateMux.Lock()
	defer c.rotateMux.Unlock()

	rlog := logger.Default()
	config, err := c.build(crl)
	if err != nil {
		rlog.WithError(err).Error("rotation: cannot build listener configuration")
		return
	}
	if err := c.listener.Rotate(config, c.grace, c.keep); err != nil {
		rlog.WithError(err).Error("rotation: cannot rotate listener")
		return
	}
	c.rotations.Add(1)
	metrics.CRLRotations.Inc()
	if crl != nil {
		rlog.Infof("rotation: applied CRL #%v with %d revoked certificates", crl.Number, crl.Len())
	}
}

// Rotations returns the number of completed rotations
func (c *Coordinator) Rotations() int64 {
	return c.rotations.Load()
}

// Close cancels a pending rotation. Later notifications are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
