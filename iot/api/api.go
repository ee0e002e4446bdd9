// Package api is the REST interface of the device twins for operators and
// backend services. It reads twins, sets configurations and calls methods on
// connected devices.
//
// The routes carry no authentication. Serve them on an internal address only.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/rpc"
	"github.com/relabs-tech/iotplane/iot/topic"
	"github.com/relabs-tech/iotplane/iot/twin"
)

// Twin is the twin service behind the routes
type Twin interface {
	Entries(ctx context.Context, identity string) ([]twin.Entry, error)
	Methods(ctx context.Context, identity string) ([]rpc.MethodDescriptor, error)
	SetConfiguration(ctx context.Context, identity string, raw []byte) error
	CallMethod(ctx context.Context, identity, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Service is a REST interface for the device twins
type Service struct {
	twin Twin
}

// NewService returns a new API service
func NewService(t Twin) *Service {
	if t == nil {
		panic("twin is missing")
	}
	return &Service{twin: t}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// errorStatus maps errors of the twin and the rpc service to http
func errorStatus(err error) int {
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, topic.ErrInvalidIdentity), errors.Is(err, twin.ErrNotAnObject), errors.Is(err, rpc.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, twin.ErrMethodNotSupported):
		return http.StatusNotFound
	case errors.Is(err, rpc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Service) entry(ctx context.Context, identity, key string) (twin.Entry, bool, error) {
	entries, err := s.twin.Entries(ctx, identity)
	if err != nil {
		return twin.Entry{}, false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e, true, nil
		}
	}
	return twin.Entry{}, false, nil
}

// HandleRoutes adds handlers for routes for the twin service
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/{key} GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/{key}/request GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/{key}/report GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/configuration/request PUT")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/methods GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/methods/{method} POST")

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		entries, err := s.twin.Entries(r.Context(), deviceID)
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		if entries == nil {
			entries = []twin.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/{key}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		e, ok, err := s.entry(r.Context(), params["device_id"], params["key"])
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		if !ok {
			http.Error(w, "no such twin", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/{key}/{side:request|report}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		e, ok, err := s.entry(r.Context(), params["device_id"], params["key"])
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		if !ok {
			http.Error(w, "no such twin", http.StatusNotFound)
			return
		}
		if params["side"] == "request" {
			writeRaw(w, e.Request)
		} else {
			writeRaw(w, e.Report)
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/configuration/request", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		if err = s.twin.SetConfiguration(r.Context(), deviceID, body); err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/devices/{device_id}/methods", func(w http.ResponseWriter, r *http.Request) {
		methods, err := s.twin.Methods(r.Context(), mux.Vars(r)["device_id"])
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, methods)
	}).Methods(http.MethodGet)

	// the body holds the params. ?timeout=5s overrides the default timeout
	router.HandleFunc("/devices/{device_id}/methods/{method}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		rlog := logger.FromContext(r.Context())

		var timeout time.Duration
		if t := r.URL.Query().Get("timeout"); t != "" {
			var err error
			if timeout, err = time.ParseDuration(t); err != nil {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var methodParams interface{}
		if len(body) > 0 {
			if !json.Valid(body) {
				http.Error(w, "invalid json data", http.StatusBadRequest)
				return
			}
			methodParams = json.RawMessage(body)
		}

		result, err := s.twin.CallMethod(r.Context(), params["device_id"], params["method"], methodParams, timeout)
		if err != nil {
			rlog.WithError(err).Infof("call %s.%s() failed", params["device_id"], params["method"])
			var rpcErr *rpc.Error
			if errors.As(err, &rpcErr) {
				writeJSON(w, http.StatusBadGateway, rpcErr)
				return
			}
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		writeRaw(w, result)
	}).Methods(http.MethodPost)
}
