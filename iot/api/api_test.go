package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotplane/iot"
	"github.com/relabs-tech/iotplane/iot/rpc"
	"github.com/relabs-tech/iotplane/iot/twin"
)

type fakeCaller struct {
	mu      sync.Mutex
	timeout time.Duration
	params  json.RawMessage
}

func (c *fakeCaller) Call(_ context.Context, identity, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
	c.params, _ = json.Marshal(params)
	switch method {
	case "slow":
		return nil, fmt.Errorf("%w after %s", rpc.ErrTimeout, timeout)
	case "broken":
		return nil, &rpc.Error{Code: -32000, Message: "sensor offline"}
	}
	return json.RawMessage(`{"called":"` + identity + "." + method + `"}`), nil
}

type fixture struct {
	server    *httptest.Server
	twin      *twin.Twin
	caller    *fakeCaller
	published []string
	mu        sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{caller: &fakeCaller{}}
	f.twin = twin.New(&twin.Builder{
		Publisher: iot.MessagePublisherFunc(func(topic string, payload []byte) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.published = append(f.published, topic+" "+string(payload))
		}),
		Caller: f.caller,
	})
	router := mux.NewRouter()
	NewService(f.twin).HandleRoutes(router)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestTwinRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, body := f.do(t, http.MethodGet, "/devices/d1/twin", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)

	status, _ = f.do(t, http.MethodGet, "/devices/d1/twin/properties", "")
	assert.Equal(t, http.StatusNotFound, status)

	_, err := f.twin.ReportProperties(ctx, "d1", []byte(`{"temperature":20}`))
	require.NoError(t, err)

	status, body = f.do(t, http.MethodGet, "/devices/d1/twin/properties/report", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"temperature":20}`, body)

	status, body = f.do(t, http.MethodPut, "/devices/d1/twin/configuration/request", `{"interval":5}`)
	assert.Equal(t, http.StatusNoContent, status, body)
	assert.Equal(t, []string{`devices/d1/configuration {"interval":5}`}, f.published)

	status, body = f.do(t, http.MethodGet, "/devices/d1/twin/configuration/request", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"interval":5}`, body)

	status, body = f.do(t, http.MethodGet, "/devices/d1/twin", "")
	assert.Equal(t, http.StatusOK, status)
	var entries []twin.Entry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	assert.Len(t, entries, 2)
}

func TestSetConfigurationErrors(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPut, "/devices/d1/twin/configuration/request", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, "/devices/d1/twin/configuration/request", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, "/devices/d+1/twin/configuration/request", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, "/devices/d1/twin/properties/request", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Empty(t, f.published)
}

func TestMethodRoutes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.twin.ReportMethods(context.Background(), "d1", []rpc.MethodDescriptor{
		{Name: "reboot"}, {Name: "slow"}, {Name: "broken"},
	}))

	status, body := f.do(t, http.MethodGet, "/devices/d1/methods", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"reboot"`)

	status, body = f.do(t, http.MethodPost, "/devices/d1/methods/reboot?timeout=3s", `{"delay":1}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"called":"d1.reboot"}`, body)
	assert.Equal(t, 3*time.Second, f.caller.timeout)
	assert.JSONEq(t, `{"delay":1}`, string(f.caller.params))

	status, _ = f.do(t, http.MethodPost, "/devices/d1/methods/unknown", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/devices/d1/methods/slow", "")
	assert.Equal(t, http.StatusGatewayTimeout, status)

	status, body = f.do(t, http.MethodPost, "/devices/d1/methods/broken", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.JSONEq(t, `{"code":-32000,"message":"sensor offline"}`, body)

	status, _ = f.do(t, http.MethodPost, "/devices/d1/methods/reboot?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/devices/d1/methods/reboot", "{")
	assert.Equal(t, http.StatusBadRequest, status)
}
