package main

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotplane/iot/rpc"
)

func TestEcho(t *testing.T) {
	r := rpc.NewRegistry()
	registerMethods(r)
	ctx := context.Background()

	result, rpcErr := r.Dispatch(ctx, "d1", "echo", json.RawMessage(`{"message":{"a":1}}`))
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"answer":"Hello d1","original":{"a":1}}`, string(result))

	_, rpcErr = r.Dispatch(ctx, "d1", "echo", json.RawMessage(`{"message":"error"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeInternalError, rpcErr.Code)

	_, rpcErr = r.Dispatch(ctx, "d1", "echo", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	assert.True(t, r.Has(rpc.DiscoverMethod))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}
