package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
	"device-sync-service/internal/sync"
)

const maxSnapshotBytes = 32 << 20

type queueChangeRequest struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  store.Operation `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Priority   store.Priority  `json:"priority"`
}

type remoteChangeRequest struct {
	queueChangeRequest
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

type triggerRequest struct {
	Priority store.Priority `json:"priority"`
}

type networkRequest struct {
	Status store.NetworkStatus `json:"status"`
}

type resolveRequest struct {
	Strategy store.ResolutionStrategy `json:"strategy"`
}

type resolveResponse struct {
	ConflictID string          `json:"conflictId"`
	Strategy   string          `json:"strategy"`
	Winner     *store.Change   `json:"winner,omitempty"`
	Merged     *store.Change   `json:"merged,omitempty"`
	Discarded  []string        `json:"discarded"`
	Conflict   *store.Conflict `json:"conflict"`
}

type historyEntry struct {
	ID                string     `json:"id"`
	DeviceID          string     `json:"deviceId"`
	Trigger           string     `json:"trigger"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	TotalChanges      int        `json:"totalChanges"`
	Transmitted       int        `json:"transmitted"`
	Failed            int        `json:"failed"`
	ConflictsDetected int        `json:"conflictsDetected"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
}

func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Changes())
}

func (h *Handler) QueueChange(w http.ResponseWriter, r *http.Request) {
	var req queueChangeRequest
	if !decode(w, r, &req) {
		return
	}

	change, err := h.syncManager.QueueChange(r.Context(), req.EntityType, req.EntityID, req.Operation, payloadBytes(req.Payload), req.Priority)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (h *Handler) IngestRemoteChange(w http.ResponseWriter, r *http.Request) {
	var req remoteChangeRequest
	if !decode(w, r, &req) {
		return
	}

	change := &store.Change{
		ID:         req.ID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Operation:  req.Operation,
		Payload:    payloadBytes(req.Payload),
		Timestamp:  req.Timestamp,
		DeviceID:   req.DeviceID,
		Priority:   req.Priority,
	}
	if err := h.syncManager.IngestRemoteChange(r.Context(), change); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// TriggerSync runs a pass before responding. The pass is detached from the
// request so a disconnecting client does not abort it.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "unknown priority "+strconv.Quote(string(req.Priority)))
		return
	}

	if err := h.syncManager.StartSync(context.WithoutCancel(r.Context()), req.Priority); err != nil {
		logger.Log.Warn("Triggered sync failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, h.syncManager.Statistics())
}

func (h *Handler) PauseSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.PauseSync()
	writeJSON(w, http.StatusOK, map[string]store.SyncStatus{"status": h.syncManager.Status()})
}

func (h *Handler) ResumeSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.ResumeSync()
	writeJSON(w, http.StatusOK, map[string]store.SyncStatus{"status": h.syncManager.Status()})
}

func (h *Handler) Foreground(w http.ResponseWriter, r *http.Request) {
	h.syncManager.Foreground()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.syncManager.Statistics()
	if err := h.syncManager.LastError(); err != nil {
		writeJSON(w, http.StatusOK, struct {
			sync.Statistics
			Error string `json:"error"`
		}{stats, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	history, err := h.syncManager.History(r.Context(), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to load sync history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sync history")
		return
	}

	out := make([]historyEntry, 0, len(history))
	for _, hi := range history {
		e := historyEntry{
			ID:                hi.ID,
			DeviceID:          hi.DeviceID,
			Trigger:           hi.Trigger,
			StartedAt:         hi.StartedAt,
			TotalChanges:      hi.TotalChanges,
			Transmitted:       hi.Transmitted,
			Failed:            hi.Failed,
			ConflictsDetected: hi.ConflictsDetected,
			Status:            hi.Status,
			Error:             hi.ErrorMessage.String,
		}
		if hi.CompletedAt.Valid {
			t := hi.CompletedAt.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Status {
	case store.NetworkDisconnected, store.NetworkWifi, store.NetworkCellular, store.NetworkConnected:
	default:
		writeError(w, http.StatusBadRequest, "unknown network status "+strconv.Quote(string(req.Status)))
		return
	}

	h.syncManager.SetNetworkStatus(req.Status)
	writeJSON(w, http.StatusOK, map[string]store.SyncStatus{"status": h.syncManager.Status()})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.syncManager.Conflicts()
	if r.URL.Query().Get("open") == "true" {
		open := conflicts[:0]
		for _, c := range conflicts {
			if !c.Resolved {
				open = append(open, c)
			}
		}
		conflicts = open
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.syncManager.Conflict(chi.URLParam(r, "id"))
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.syncManager.ResolveConflict(r.Context(), id, req.Strategy)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	conflict, err := h.syncManager.Conflict(id)
	if err != nil {
		writeSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		ConflictID: id,
		Strategy:   string(res.Strategy),
		Winner:     res.Winner,
		Merged:     res.Merged,
		Discarded:  append([]string{}, res.Discarded...),
		Conflict:   conflict,
	})
}

func (h *Handler) ClearResolvedConflicts(w http.ResponseWriter, r *http.Request) {
	removed := h.syncManager.ClearResolvedConflicts(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Devices())
}

func (h *Handler) ExportSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := h.syncManager.ExportDebugSnapshot()
	if err != nil {
		logger.Log.Error("Failed to export snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export snapshot")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) ImportSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read snapshot")
		return
	}
	if err := h.syncManager.ImportDebugSnapshot(r.Context(), data); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.syncManager.Statistics())
}

func payloadBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sync.ErrAlreadyResolved), errors.Is(err, sync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sync.ErrInvalidChange), errors.Is(err, sync.ErrInvalidStrategy),
		errors.Is(err, sync.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
