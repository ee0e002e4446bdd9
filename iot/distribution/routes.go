package distribution

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/metrics"
)

var (
	// Version is the version of the curent build
	Version = "unset"
)

// HandleRoutes adds the distribution routes to router
func HandleRoutes(router *mux.Router, source Source) {
	logger.Default().Debugln("distribution")
	logger.Default().Debugln("  handle route: /ca/crl GET")
	logger.Default().Debugln("  handle route: /ca/cacerts GET")
	logger.Default().Debugln("  handle route: /health GET")
	logger.Default().Debugln("  handle route: /version GET")
	logger.Default().Debugln("  handle route: /metrics GET")

	router.Handle("/ca/crl", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crl := source.CurrentCRL()
		if crl == nil {
			http.Error(w, "no revocation list available", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("format") == "pem" {
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Write(crl.PEM())
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(crl.DER)
	}))).Methods(http.MethodGet)

	router.HandleFunc("/ca/cacerts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write(source.CACertificatePEM())
	}).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if source.CurrentCRL() == nil {
			http.Error(w, "no revocation list available", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		data, _ := json.Marshal(map[string]string{"version": Version})
		w.Write(data)
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}
