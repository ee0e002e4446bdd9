/*Package rotation provides a TLS listener which can be rebound with a new
configuration without dropping the sessions that are still allowed.

A rotation closes the accept socket of the current generation, binds a new
socket on the same address with the new configuration and, after a grace
period, closes every connection of the old generation that either never
completed its handshake or is refused by a keep function. The remaining
connections are adopted by the new generation.

Handshakes run in their own goroutine, bounded by the handshake timeout.
Accept only returns connections whose handshake completed, so a slow or
idle client never holds up the accept loop of the caller.

The Coordinator debounces revocation list changes into rotations.
*/
package rotation

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/metrics"
)

// bindAttempts and bindBackoff bound the retries while the port is still held
const (
	bindAttempts = 20
	bindBackoff  = 50 * time.Millisecond
)

// DefaultHandshakeTimeout bounds the TLS handshake of new connections
const DefaultHandshakeTimeout = 10 * time.Second

// Option configures a Listener
type Option func(*Listener)

// WithHandshakeTimeout sets the handshake timeout, DefaultHandshakeTimeout otherwise
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.handshakeTimeout = d
		}
	}
}

type generation struct {
	number  int
	ln      net.Listener
	config  *tls.Config
	conns   map[*Conn]struct{}
	retired bool
}

// Listener is a net.Listener returning *Conn with a completed TLS handshake.
type Listener struct {
	addr             string
	handshakeTimeout time.Duration
	rotateMu         sync.Mutex

	mu       sync.Mutex
	current  *generation
	accepted chan net.Conn
	errs     chan error
	closed   chan struct{}
	once     sync.Once
}

// Listen binds addr and serves the first generation with config
func Listen(addr string, config *tls.Config, opts ...Option) (*Listener, error) {
	if config == nil {
		return nil, errors.New("tls config is missing")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		addr:             ln.Addr().String(),
		handshakeTimeout: DefaultHandshakeTimeout,
		accepted:         make(chan net.Conn),
		errs:             make(chan error, 1),
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.current = &generation{number: 1, ln: ln, config: config, conns: make(map[*Conn]struct{})}
	go l.serve(l.current)
	return l, nil
}

func (l *Listener) serve(g *generation) {
	for {
		raw, err := g.ln.Accept()
		if err != nil {
			l.mu.Lock()
			retired := g.retired
			l.mu.Unlock()
			if retired {
				return
			}
			select {
			case l.errs <- err:
			case <-l.closed:
			}
			return
		}

		c := &Conn{Conn: tls.Server(raw, g.config), l: l}
		l.mu.Lock()
		// a rotation may have happened in between, the connection belongs to
		// the generation whose configuration it uses
		c.gen = g
		g.conns[c] = struct{}{}
		l.mu.Unlock()

		go l.handshake(c)
	}
}

// handshake hands c to Accept once its handshake completed
func (l *Listener) handshake(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.handshakeTimeout)
	defer cancel()
	if err := c.HandshakeContext(ctx); err != nil {
		metrics.Connections.WithLabelValues("refused").Inc()
		logger.Default().Warnf("rotation: handshake with %s failed: %v", c.RemoteAddr(), err)
		c.Close()
		return
	}
	select {
	case l.accepted <- c:
	case <-l.closed:
		c.Close()
	}
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Accept implements net.Listener
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener. Established connections are not closed.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		l.mu.Lock()
		l.current.retired = true
		err = l.current.ln.Close()
		l.mu.Unlock()
	})
	return err
}

// Addr implements net.Listener
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.ln.Addr()
}

// Generation returns the number of the current generation, starting with 1
func (l *Listener) Generation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.number
}

// Conns returns the number of open connections of the current generation
func (l *Listener) Conns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current.conns)
}

// listenTCP is replaced in tests
var listenTCP = net.Listen

func listenRetry(addr string) (net.Listener, error) {
	var err error
	for i := 0; i < bindAttempts; i++ {
		var ln net.Listener
		if ln, err = listenTCP("tcp", addr); err == nil {
			return ln, nil
		}
		time.Sleep(bindBackoff)
	}
	return nil, err
}

// Rotate rebinds the listener with config. After grace, connections of the
// previous generation are closed unless they completed their handshake and
// keep returns true for them.
func (l *Listener) Rotate(config *tls.Config, grace time.Duration, keep func(tls.ConnectionState) bool) error {
	if config == nil {
		return errors.New("tls config is missing")
	}
	l.rotateMu.Lock()
	defer l.rotateMu.Unlock()

	l.mu.Lock()
	if l.isClosed() {
		l.mu.Unlock()
		return net.ErrClosed
	}
	old := l.current
	old.retired = true
	old.ln.Close()
	l.mu.Unlock()

	// bound without l.mu, closing connections must not wait for the port
	ln, err := listenRetry(l.addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.isClosed() {
		l.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	g := &generation{number: old.number + 1, ln: ln, config: config, conns: make(map[*Conn]struct{})}
	l.current = g
	l.mu.Unlock()
	go l.serve(g)

	logger.Default().Infof("rotation: listener generation %d bound on %s", g.number, l.addr)
	time.AfterFunc(grace, func() { l.drain(old, keep) })
	return nil
}

// drain closes the connections of a retired generation which may not
// survive and hands the others to the current generation.
func (l *Listener) drain(old *generation, keep func(tls.ConnectionState) bool) {
	l.mu.Lock()
	conns := make([]*Conn, 0, len(old.conns))
	for c := range old.conns {
		conns = append(conns, c)
	}
	old.conns = make(map[*Conn]struct{})
	l.mu.Unlock()

	closed := 0
	for _, c := range conns {
		if !c.handshakeComplete() || (keep != nil && !keep(c.ConnectionState())) {
			c.Close()
			closed++
			continue
		}
		l.mu.Lock()
		if !c.isClosed() {
			c.gen = l.current
			l.current.conns[c] = struct{}{}
		}
		l.mu.Unlock()
	}
	logger.Default().Infof("rotation: generation %d drained, %d connections closed, %d adopted",
		old.number, closed, len(conns)-closed)
}

func (l *Listener) forget(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.gen != nil {
		delete(c.gen.conns, c)
	}
}

// Conn is a server side TLS connection tracked by its Listener
type Conn struct {
	*tls.Conn
	l         *Listener
	gen       *generation
	handshake atomic.Bool
	closed    atomic.Bool
}

// HandshakeContext runs the TLS handshake and records its completion
func (c *Conn) HandshakeContext(ctx context.Context) error {
	if err := c.Conn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.handshake.Store(true)
	return nil
}

// Handshake runs the TLS handshake
func (c *Conn) Handshake() error {
	return c.HandshakeContext(context.Background())
}

func (c *Conn) handshakeComplete() bool {
	return c.handshake.Load()
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}

// Close closes the connection and stops tracking it
func (c *Conn) Close() error {
	c.closed.Store(true)
	c.l.forget(c)
	return c.Conn.Close()
}
