package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/panelgrid/panelgrid/internal/testutil"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// streamServer mounts the execution stream route the way Routes does.
func streamServer(t *testing.T, p *Plugin) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /executions/{id}/stream", p.handleExecutionStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(ctx context.Context, t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/executions/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func TestExecutionStreamUnknownExecution(t *testing.T) {
	x, _ := newTestExecutor(&scriptRunner{}, 4)
	p := &Plugin{executor: x, logger: testutil.Logger()}
	srv := streamServer(t, p)

	resp, err := http.Get(srv.URL + "/executions/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecutionStreamRelaysUntilTerminal(t *testing.T) {
	runner := &scriptRunner{stageWait: 50 * time.Millisecond}
	x, _ := newTestExecutor(runner, 4)
	p := &Plugin{executor: x, logger: testutil.Logger()}
	srv := streamServer(t, p)

	id, err := x.Start(1, twoStageAction())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialStream(ctx, t, srv, id.String())
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var last models.ExecutionRecord
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg struct {
			Data models.ExecutionRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(payload, &msg))
		last = msg.Data
		if last.State.Terminal() {
			break
		}
	}
	require.Equal(t, models.ExecutionCompleted, last.State)
}

func TestExecutionStreamLateSubscriberGetsTerminalRecord(t *testing.T) {
	x, _ := newTestExecutor(&scriptRunner{}, 4)
	p := &Plugin{executor: x, logger: testutil.Logger()}
	srv := streamServer(t, p)

	// The execution is already terminal when the stream attaches; the
	// final record must still be delivered and the stream must end.
	id, err := x.Start(1, twoStageAction())
	require.NoError(t, err)
	awaitTerminal(t, x, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialStream(ctx, t, srv, id.String())
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg struct {
		Data models.ExecutionRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, models.ExecutionCompleted, msg.Data.State)

	_, _, err = conn.Read(ctx)
	require.Error(t, err, "stream must end after the terminal record")
}
