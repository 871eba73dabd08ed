package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/jobs"
	"github.com/panelgrid/panelgrid/internal/server"
	"github.com/panelgrid/panelgrid/internal/ws"
)

// handleStartScan launches a new discovery scan, superseding a running one.
func (p *Plugin) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var params Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		server.BadRequest(w, "invalid scan request body", r.URL.Path)
		return
	}

	id, err := p.service.Start(params)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			server.BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		server.InternalError(w, err.Error(), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"scan_id": id.String()})
}

// handleStopScan cancels the active scan.
func (p *Plugin) handleStopScan(w http.ResponseWriter, r *http.Request) {
	stopped := p.service.Stop()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"stopped": stopped})
}

// handleProgress returns the current discovery progress snapshot. It always
// succeeds; an idle server reports is_running=false.
func (p *Plugin) handleProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.service.Progress())
}

// handleListPanels returns the panels registered by the current epoch.
func (p *Plugin) handleListPanels(w http.ResponseWriter, r *http.Request) {
	entries := p.registry.All()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// handleStream upgrades to a websocket and relays the active scan's events
// until the terminal complete event or client disconnect.
func (p *Plugin) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := p.service.ActiveScanID()
	if !ok {
		server.NotFound(w, "no discovery scan is running", r.URL.Path)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	sink := make(chan Event, 64)
	subscribed := p.service.Subscribe(id, sink)
	defer p.service.Unsubscribe(id, sink)

	// The scan may have finished between the id lookup and the sink
	// attach; its complete event is already fanned out, so synthesize the
	// terminal event from the final snapshot instead of waiting on an
	// idle sink.
	if snap := p.service.Progress(); !subscribed || !snap.IsRunning || snap.ScanID != id.String() {
		ev := completeEvent(Stats{
			TotalIPs:    snap.TotalIPs,
			PanelsFound: snap.PanelsFound,
			NotPanels:   snap.NotPanels,
			NoResponse:  snap.NoResponse,
			Errors:      snap.Errors,
		})
		if err := p.writeEvent(r, conn, id, ev); err != nil {
			p.logger.Debug("scan stream write failed", zap.Error(err))
		}
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sink:
			if !open {
				return
			}
			if err := p.writeEvent(r, conn, id, ev); err != nil {
				p.logger.Debug("scan stream write failed", zap.Error(err))
				return
			}
			if ev.Type == EventComplete {
				return
			}
		}
	}
}

func (p *Plugin) writeEvent(r *http.Request, conn *websocket.Conn, id jobs.ID, ev Event) error {
	msgType := ws.MessageScanResult
	switch ev.Type {
	case EventPhaseChange:
		msgType = ws.MessageScanPhaseChange
	case EventComplete:
		msgType = ws.MessageScanCompleted
	}

	writeCtx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()
	return ws.Write(writeCtx, conn, ws.Message{
		Type:      msgType,
		JobID:     id.String(),
		Timestamp: ev.Timestamp,
		Data:      ev,
	})
}
