package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/jobs"
	"github.com/panelgrid/panelgrid/internal/server"
	"github.com/panelgrid/panelgrid/internal/services"
	"github.com/panelgrid/panelgrid/internal/ws"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// startExecutionRequest names a catalog action or carries an inline
// definition. Exactly one of the two must be set.
type startExecutionRequest struct {
	ProfileID  int                      `json:"profile_id"`
	Action     string                   `json:"action,omitempty"`
	Definition *models.ActionDefinition `json:"definition,omitempty"`
}

// handleStartExecution launches an action against a profile's panel.
func (p *Plugin) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.BadRequest(w, "invalid execution request body", r.URL.Path)
		return
	}

	def := req.Definition
	if def == nil {
		if req.Action == "" {
			server.BadRequest(w, "either action or definition is required", r.URL.Path)
			return
		}
		var ok bool
		def, ok = p.catalog.Get(req.Action)
		if !ok {
			server.NotFound(w, "unknown catalog action "+req.Action, r.URL.Path)
			return
		}
	}

	// Reject unknown profiles up front rather than failing the first stage.
	if _, err := p.profiles.Get(r.Context(), req.ProfileID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			server.NotFound(w, "unknown profile", r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}

	id, err := p.executor.Start(req.ProfileID, def)
	if err != nil {
		if errors.Is(err, ErrInvalidAction) {
			server.BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"execution_id": id.String()})
}

// handleListExecutions returns all executions still in flight.
func (p *Plugin) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	running := p.executor.Running()
	if running == nil {
		running = []models.ExecutionRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(running)
}

// handleGetExecution returns one execution's progress record, terminal
// records included while retained.
func (p *Plugin) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := jobs.ID(r.PathValue("id"))
	rec, ok := p.executor.GetProgress(id)
	if !ok {
		server.NotFound(w, "unknown execution", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// handleStopExecution requests cancellation, optionally with compensation
// for the interrupted stage.
func (p *Plugin) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Compensate bool `json:"compensate"`
	}
	if r.Body != nil {
		// An empty body means a plain stop.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	id := jobs.ID(r.PathValue("id"))
	stopped := p.executor.Stop(id, req.Compensate)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"stopped": stopped})
}

// handleExecutionStream upgrades to a websocket and relays progress
// snapshots until the terminal record or client disconnect.
func (p *Plugin) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := jobs.ID(r.PathValue("id"))
	rec, ok := p.executor.GetProgress(id)
	if !ok {
		server.NotFound(w, "unknown execution", r.URL.Path)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	sink := make(chan models.ExecutionRecord, 16)
	p.executor.Subscribe(id, sink)
	defer p.executor.Unsubscribe(id, sink)

	// Re-read after subscribing: the execution may have reached its
	// terminal state between the lookup and the sink attach, with that
	// snapshot already fanned out.
	rec, ok = p.executor.GetProgress(id)
	if !ok {
		// Finished and evicted from retention in the meantime.
		return
	}

	// Deliver the current record first so late subscribers are not blind
	// until the next stage boundary.
	if err := p.writeRecord(r, conn, rec); err != nil {
		return
	}
	if rec.State.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, open := <-sink:
			if !open {
				return
			}
			if err := p.writeRecord(r, conn, rec); err != nil {
				p.logger.Debug("execution stream write failed", zap.Error(err))
				return
			}
			if rec.State.Terminal() {
				return
			}
		}
	}
}

func (p *Plugin) writeRecord(r *http.Request, conn *websocket.Conn, rec models.ExecutionRecord) error {
	writeCtx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()
	return ws.Write(writeCtx, conn, ws.Message{
		Type:      ws.MessageExecProgress,
		JobID:     rec.ExecutionID,
		Timestamp: rec.StartedAt,
		Data:      rec,
	})
}

// handleCatalog lists the loaded catalog action names.
func (p *Plugin) handleCatalog(w http.ResponseWriter, r *http.Request) {
	names, err := p.catalog.Names()
	if err != nil {
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"actions": names})
}

func profileID(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("id"))
}

func (p *Plugin) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		server.BadRequest(w, "invalid profile body", r.URL.Path)
		return
	}

	if err := p.profiles.Create(r.Context(), &profile); err != nil {
		if errors.Is(err, services.ErrAlreadyExists) {
			server.Conflict(w, err.Error(), r.URL.Path)
			return
		}
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(profile)
}

func (p *Plugin) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := services.ListOptions{
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	res, err := p.profiles.List(r.Context(), opts)
	if err != nil {
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (p *Plugin) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		server.BadRequest(w, "profile id must be an integer", r.URL.Path)
		return
	}

	profile, err := p.profiles.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			server.NotFound(w, "unknown profile", r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func (p *Plugin) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		server.BadRequest(w, "profile id must be an integer", r.URL.Path)
		return
	}

	var profile models.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		server.BadRequest(w, "invalid profile body", r.URL.Path)
		return
	}
	profile.ID = id

	if err := p.profiles.Update(r.Context(), &profile); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			server.NotFound(w, "unknown profile", r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func (p *Plugin) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		server.BadRequest(w, "profile id must be an integer", r.URL.Path)
		return
	}

	if err := p.profiles.Delete(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			server.NotFound(w, "unknown profile", r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
