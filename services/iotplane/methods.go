package main

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/iot/rpc"
)

const echoParamsSchema = `{
	"type": "object",
	"properties": {
		"message": {}
	},
	"required": ["message"]
}`

type echoParams struct {
	Message json.RawMessage `json:"message"`
}

type echoResult struct {
	Answer   string          `json:"answer"`
	Original json.RawMessage `json:"original"`
}

// echo answers with a greeting and the original message. The message "error"
// fails on purpose, so devices can test their error path.
func echo(_ context.Context, identity string, params json.RawMessage) (interface{}, error) {
	var p echoParams
	if err := rpc.Bind(params, &p); err != nil {
		return nil, err
	}
	if string(p.Message) == `"error"` {
		return nil, errors.New("echo failed on request")
	}
	return echoResult{Answer: "Hello " + identity, Original: p.Message}, nil
}

func registerMethods(r *rpc.Registry) {
	r.MustRegister("echo", echo,
		rpc.WithDescription("answers with a greeting and the original message"),
		rpc.WithParamsSchema(echoParamsSchema))
	if err := r.RegisterDiscovery(); err != nil {
		panic(err)
	}
}
