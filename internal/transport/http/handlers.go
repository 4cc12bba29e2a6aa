package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/diagq/internal/broker"
	"github.com/snehjoshi/diagq/internal/consumer"
	"github.com/snehjoshi/diagq/internal/dlq"
	"github.com/snehjoshi/diagq/internal/journal"
	"github.com/snehjoshi/diagq/internal/sink"
	"github.com/snehjoshi/diagq/internal/types"
	"github.com/snehjoshi/diagq/internal/workspace"
)

// Version is reported by /health.
var Version = "dev"

const (
	// maxWaitTimeout caps POST /wait so a client cannot pin a handler forever.
	maxWaitTimeout = 60 * time.Second

	defaultBatchLimit = 20
	maxBatchLimit     = 1000
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type openDocumentReq struct {
	File string `json:"file"`
	Unit string `json:"unit"`
	Text string `json:"text"`
}

type updateDocumentReq struct {
	Text string `json:"text"`
}

type documentResp struct {
	File      types.FileID `json:"file"`
	Unit      types.UnitID `json:"unit"`
	Version   int64        `json:"version"`
	UpdatedAt int64        `json:"updated_at"`
}

type unitsResp struct {
	Units []broker.UnitInfo `json:"units"`
}

type codeCheckResp struct {
	Files []types.FileResult `json:"files"`
}

type reanalyzeResp struct {
	Units int `json:"units"`
}

type waitReq struct {
	Units     []types.UnitID `json:"units"`
	TimeoutMs int64          `json:"timeout_ms"`
}

type waitResp struct {
	Completed bool `json:"completed"`
}

type failuresResp struct {
	Failures []dlq.Entry `json:"failures"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type batchesResp struct {
	Batches []journal.Record `json:"batches"`
}

type forwarderReq struct {
	Enabled *bool `json:"enabled"`
}

type forwarderResp struct {
	Enabled bool `json:"enabled"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type subscriptionsResp struct {
	Subscriptions []consumer.Subscription `json:"subscriptions"`
}

type healthResp struct {
	Status   string       `json:"status"`
	Uptime   string       `json:"uptime"`
	UptimeMs int64        `json:"uptime_ms"`
	Version  string       `json:"version"`
	Stats    broker.Stats `json:"stats"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
		Stats:    h.broker.Stats(),
	})
}

// ─── Documents ────────────────────────────────────────────────────────────────

func (h *Handler) openDocument(w http.ResponseWriter, r *http.Request) {
	var req openDocumentReq
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := h.broker.OpenDocument(types.FileID(req.File), types.UnitID(req.Unit), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResp(doc))
}

func (h *Handler) updateDocument(w http.ResponseWriter, r *http.Request) {
	var req updateDocumentReq
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := h.broker.UpdateDocument(types.FileID(r.PathValue("file")), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResp(doc))
}

func (h *Handler) closeDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.CloseDocument(types.FileID(r.PathValue("file"))); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, unitsResp{Units: h.broker.Units()})
}

// ─── Diagnostics ──────────────────────────────────────────────────────────────

func (h *Handler) codeCheck(w http.ResponseWriter, r *http.Request) {
	files, err := h.broker.CodeCheck(r.Context(), types.FileID(r.PathValue("file")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, codeCheckResp{Files: files})
}

func (h *Handler) startDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, reanalyzeResp{Units: h.broker.StartDiagnostics()})
}

func (h *Handler) reanalyze(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, reanalyzeResp{Units: h.broker.ReAnalyze()})
}

func (h *Handler) wait(w http.ResponseWriter, r *http.Request) {
	var req waitReq
	if !decodeJSON(w, r, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	completed := h.broker.WaitForPendingWork(r.Context(), req.Units, timeout)
	writeJSON(w, http.StatusOK, waitResp{Completed: completed})
}

// ─── Failures ─────────────────────────────────────────────────────────────────

func (h *Handler) listFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, failuresResp{Failures: h.broker.Failures()})
}

func (h *Handler) replayFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, replayResp{Replayed: h.broker.ReplayFailures()})
}

// ─── Batches / forwarder ──────────────────────────────────────────────────────

func (h *Handler) recentBatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultBatchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxBatchLimit)
	}
	recs, err := h.broker.RecentBatches(limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, batchesResp{Batches: recs})
}

func (h *Handler) getForwarder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, forwarderResp{Enabled: h.broker.ForwarderEnabled()})
}

func (h *Handler) setForwarder(w http.ResponseWriter, r *http.Request) {
	var req forwarderReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	h.broker.SetForwarderEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, forwarderResp{Enabled: h.broker.ForwarderEnabled()})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	sub, err := h.consumer.Register(req.URL, req.Secret)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.broker.ActivateForwarder()
	writeJSON(w, http.StatusCreated, subscribeResp{ID: sub.ID})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, subscriptionsResp{Subscriptions: h.consumer.List()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Deregister(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toDocumentResp(d workspace.Document) documentResp {
	return documentResp{File: d.File, Unit: d.Unit, Version: d.Version, UpdatedAt: d.UpdatedAt}
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, consumer.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, broker.ErrUnknownFile),
		errors.Is(err, broker.ErrJournalDisabled),
		errors.Is(err, consumer.ErrSubscriptionNotFound),
		errors.Is(err, sink.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
