// ABOUTME: Ops HTTP API: fleet status, manual controls, and the event stream.
// ABOUTME: Handlers read correlator status and feed commands back as events.

package warden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/town-warden/internal/bridge"
	"github.com/2389/town-warden/internal/correlate"
	"github.com/2389/town-warden/internal/supervise"
	"github.com/2389/town-warden/internal/town"
)

// commandTimeout bounds a bridge command round-trip issued over the API.
const commandTimeout = 10 * time.Second

// restartHistoryLimit caps the history rows in a town detail response.
const restartHistoryLimit = 20

// TownStatus is one town's list entry: the correlator's published status
// plus the warden-level flags the correlator does not own.
type TownStatus struct {
	correlate.Status
	Paused          bool `json:"paused"`
	RestartInFlight bool `json:"restart_in_flight"`
}

// RestartRecord is one restart-history row in API form.
type RestartRecord struct {
	Reason  string    `json:"reason"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// TownDetail is the single-town response: status plus recent restarts.
type TownDetail struct {
	TownStatus
	RestartHistory []RestartRecord `json:"restart_history"`
}

func (w *Warden) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", w.handleHealthz)
	mux.HandleFunc("/api/towns", w.handleTowns)
	mux.HandleFunc("/api/towns/", w.handleTownRoutes)
	mux.HandleFunc("/api/redeems", w.handleRedeemIngress)
	mux.HandleFunc("/api/events", w.handleEvents)
	return mux
}

// handleHealthz reports process liveness for scripts and probes.
func (w *Warden) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":         "ok",
		"towns":          w.reg.Len(),
		"uptime_seconds": int64(time.Since(w.started).Seconds()),
	})
}

// handleTowns lists every town's status in registry order.
func (w *Warden) handleTowns(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	statuses := make([]TownStatus, 0, w.reg.Len())
	for _, tc := range w.reg.All() {
		if st, ok := w.townStatus(tc.ID); ok {
			statuses = append(statuses, st)
		}
	}
	writeJSON(rw, http.StatusOK, statuses)
}

// handleTownRoutes dispatches /api/towns/{id} and /api/towns/{id}/{action}.
func (w *Warden) handleTownRoutes(rw http.ResponseWriter, r *http.Request) {
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/towns/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		sendJSONError(rw, http.StatusNotFound, "town id required")
		return
	}
	if _, err := w.reg.ByID(id); err != nil {
		sendJSONError(rw, http.StatusNotFound, "unknown town: "+id)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.handleTownDetail(rw, r, id)
		return
	}

	if r.Method != http.MethodPost {
		sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "restart":
		w.handleRestart(rw, r, id)
	case "pause":
		w.handlePause(rw, r, id)
	case "resume":
		w.handleResume(rw, id)
	case "chat":
		w.handleChatIngress(rw, r, id)
	case "command":
		w.handleCommand(rw, r, id)
	default:
		sendJSONError(rw, http.StatusNotFound, "unknown action: "+parts[1])
	}
}

func (w *Warden) handleTownDetail(rw http.ResponseWriter, r *http.Request, id string) {
	st, ok := w.townStatus(id)
	if !ok {
		sendJSONError(rw, http.StatusNotFound, "unknown town: "+id)
		return
	}
	detail := TownDetail{TownStatus: st, RestartHistory: []RestartRecord{}}

	rows, err := w.store.RestartHistory(r.Context(), id, restartHistoryLimit)
	if err != nil {
		w.logger.Error("restart history query failed", "town", id, "error", err)
	}
	for _, row := range rows {
		detail.RestartHistory = append(detail.RestartHistory, RestartRecord{
			Reason:  row.Reason,
			Outcome: row.Outcome,
			Detail:  row.Detail,
			At:      row.At,
		})
	}
	writeJSON(rw, http.StatusOK, detail)
}

// handleRestart requests a manual restart. Requests while one is already
// in flight coalesce and report conflict instead of stacking.
func (w *Warden) handleRestart(rw http.ResponseWriter, r *http.Request, id string) {
	cfg, err := w.reg.ByID(id)
	if err != nil {
		sendJSONError(rw, http.StatusNotFound, "unknown town: "+id)
		return
	}
	// The restart outlives this request; it runs on the daemon context.
	err = w.supervisor.Request(w.runCtx, cfg, town.RestartUser)
	switch {
	case errors.Is(err, supervise.ErrRestartInFlight):
		sendJSONError(rw, http.StatusConflict, "restart already in flight")
		return
	case err != nil:
		sendJSONError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "restarting", "town_id": id})
}

func (w *Warden) handlePause(rw http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a bare POST pauses with a default reason.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendJSONError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	w.Pause(id, req.Reason)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "paused", "town_id": id})
}

func (w *Warden) handleResume(rw http.ResponseWriter, id string) {
	w.Resume(id)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "resumed", "town_id": id})
}

// handleChatIngress accepts a chat command observed by an external chat
// client and queues it for the town's correlator.
func (w *Warden) handleChatIngress(rw http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Chatter string   `json:"chatter"`
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Chatter == "" || req.Command == "" {
		sendJSONError(rw, http.StatusBadRequest, "chatter and command are required")
		return
	}
	w.route(town.NewEvent(id, &town.ChatCommand{
		Chatter: req.Chatter,
		Command: req.Command,
		Args:    req.Args,
	}))
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleCommand runs a raw command on the town's game process over the
// bridge and waits for the correlated response.
func (w *Warden) handleCommand(rw http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		sendJSONError(rw, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	resp, err := w.bridge.Command(ctx, id, req.Text)
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		sendJSONError(rw, http.StatusServiceUnavailable, "town bridge not connected")
		return
	case errors.Is(err, context.DeadlineExceeded):
		sendJSONError(rw, http.StatusGatewayTimeout, "command timed out")
		return
	case err != nil:
		sendJSONError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"text": resp})
}

// handleRedeemIngress accepts a channel-point redemption from an external
// listener. Duplicate suppression happens on the town's correlator, so
// accepting here is always safe.
func (w *Warden) handleRedeemIngress(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TownID  string `json:"town_id"`
		ID      string `json:"id"`
		Chatter string `json:"chatter"`
		Kind    string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TownID == "" || req.ID == "" || req.Chatter == "" || req.Kind == "" {
		sendJSONError(rw, http.StatusBadRequest, "town_id, id, chatter, and kind are required")
		return
	}
	if _, err := w.reg.ByID(req.TownID); err != nil {
		sendJSONError(rw, http.StatusNotFound, "unknown town: "+req.TownID)
		return
	}
	w.route(town.NewEvent(req.TownID, &town.RedeemEvent{
		ID:      req.ID,
		Chatter: req.Chatter,
		Kind:    req.Kind,
	}))
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEvents streams operator alerts as server-sent events until the
// client disconnects.
func (w *Warden) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := rw.(http.Flusher)
	if !ok {
		sendJSONError(rw, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, subID := w.alerts.Subscribe(r.Context())
	defer w.alerts.Unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case a, open := <-ch:
			if !open {
				return
			}
			if err := writeSSEEvent(rw, flusher, string(a.Kind), a); err != nil {
				return
			}
		}
	}
}

// townStatus merges the correlator's published view with warden-level
// flags. ok is false for towns missing from the registry.
func (w *Warden) townStatus(id string) (TownStatus, bool) {
	c, ok := w.correlators[id]
	if !ok {
		return TownStatus{}, false
	}
	return TownStatus{
		Status:          c.Status(),
		Paused:          w.pollers[id].Paused(),
		RestartInFlight: w.supervisor.InFlight(id),
	}, true
}

// writeSSEEvent writes a named server-sent event with a JSON payload.
func writeSSEEvent(rw http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	if _, err := fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// sendJSONError writes a JSON error response with the given status.
func sendJSONError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, map[string]string{"error": message})
}
