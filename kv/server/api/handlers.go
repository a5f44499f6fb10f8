package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinydb/kv/server"
	"github.com/pingcap-incubator/tinydb/kv/storage"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap/errors"
	"github.com/unrolled/render"
)

// Status is the state reported by GET /api/v1/status.
type Status struct {
	Active    []server.TxnInfo `json:"active"`
	Buffered  int              `json:"buffered_log_entries"`
	LogPath   string           `json:"log_path"`
	Databases []string         `json:"databases"`
}

type statusHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newStatusHandler(svr *server.Server, rd *render.Render) *statusHandler {
	return &statusHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	active := make([]server.TxnInfo, 0)
	for _, id := range h.svr.Active() {
		// A transaction may end in between.
		if info, ok := h.svr.TxnInfo(id); ok {
			active = append(active, info)
		}
	}
	h.rd.JSON(w, http.StatusOK, &Status{
		Active:    active,
		Buffered:  len(h.svr.Log().Buffered()),
		LogPath:   h.svr.Log().Path(),
		Databases: h.svr.Engine().Databases(),
	})
}

func (h *statusHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.svr.Checkpoint(); err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, "checkpoint done")
}

func (h *statusHandler) Txn(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := h.svr.TxnInfo(bto.TxnID(id))
	if !ok {
		h.rd.JSON(w, http.StatusNotFound, "transaction is not open")
		return
	}
	h.rd.JSON(w, http.StatusOK, info)
}

type tableHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newTableHandler(svr *server.Server, rd *render.Render) *tableHandler {
	return &tableHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *tableHandler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.Engine().Databases())
}

func (h *tableHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.svr.Engine().Tables(mux.Vars(r)["db"])
	if err != nil {
		h.rd.JSON(w, statusOf(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, tables)
}

func (h *tableHandler) Stats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stats, err := h.svr.Engine().Stats(vars["db"], vars["table"])
	if err != nil {
		h.rd.JSON(w, statusOf(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, stats)
}

// Timestamps reports the timestamps of the data object that covers the whole table.
func (h *tableHandler) Timestamps(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tables, err := h.svr.Engine().Tables(vars["db"])
	if err != nil {
		h.rd.JSON(w, statusOf(err), err.Error())
		return
	}
	for _, t := range tables {
		if t == vars["table"] {
			h.rd.JSON(w, http.StatusOK, h.svr.Timestamps(vars["db"], []string{t}, nil))
			return
		}
	}
	h.rd.JSON(w, http.StatusNotFound, "table "+vars["table"]+" not found")
}

func statusOf(err error) int {
	if _, ok := errors.Cause(err).(*storage.ErrNotFound); ok {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
