package rpc

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/iot/metrics"
)

type callKey struct {
	identity string
	id       string
}

type callResult struct {
	value json.RawMessage
	err   error
}

// pendingCall is resolved exactly once by whoever removes it from the table
type pendingCall struct {
	done chan callResult
}

func (c *pendingCall) resolve(r callResult) {
	c.done <- r
}

type pendingTable struct {
	mu     sync.Mutex
	calls  map[callKey]*pendingCall
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[callKey]*pendingCall)}
}

func (t *pendingTable) add(key callKey) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrShuttingDown
	}
	c := &pendingCall{done: make(chan callResult, 1)}
	t.calls[key] = c
	metrics.RPCPending.Set(float64(len(t.calls)))
	return c, nil
}

// take removes and returns the call, or nil if it was already resolved
func (t *pendingTable) take(key callKey) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[key]
	if !ok {
		return nil
	}
	delete(t.calls, key)
	metrics.RPCPending.Set(float64(len(t.calls)))
	return c
}

// drain closes the table and returns all calls still outstanding
func (t *pendingTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	calls := make([]*pendingCall, 0, len(t.calls))
	for key, c := range t.calls {
		calls = append(calls, c)
		delete(t.calls, key)
	}
	metrics.RPCPending.Set(0)
	return calls
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
