// Package api serves the HTTP status interface of a running server: its open transactions,
// the statistics of its tables, on-demand checkpoints and the prometheus metrics.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinydb/kv/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
)

const pingAPI = "/ping"

// NewHandler returns the status interface of svr.
func NewHandler(svr *server.Server) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()
	status := newStatusHandler(svr, rd)
	router.HandleFunc("/api/v1/status", status.Get).Methods("GET")
	router.HandleFunc("/api/v1/checkpoint", status.Checkpoint).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}", status.Txn).Methods("GET")

	tables := newTableHandler(svr, rd)
	router.HandleFunc("/api/v1/databases", tables.ListDatabases).Methods("GET")
	router.HandleFunc("/api/v1/databases/{db}/tables", tables.ListTables).Methods("GET")
	router.HandleFunc("/api/v1/databases/{db}/tables/{table}/stats", tables.Stats).Methods("GET")
	router.HandleFunc("/api/v1/databases/{db}/tables/{table}/timestamps", tables.Timestamps).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	return router
}
