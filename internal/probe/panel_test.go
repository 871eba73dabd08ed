package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/pkg/models"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// startFakePanel listens on a loopback port and answers ident requests with
// the given reply. Returns the address and port.
func startFakePanel(t *testing.T, reply string) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				r := bufio.NewReader(c)
				if _, err := r.ReadBytes('\n'); err != nil {
					c.Close()
					return
				}
				c.Write([]byte(reply + "\n"))
				// Keep the connection open; it becomes the control channel.
				for {
					if _, err := r.ReadBytes('\n'); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestIdentifyPanel(t *testing.T) {
	addr, port := startFakePanel(t, `{"model":"PG-4","firmware":"2.1.0","name":"hallway","serial_number":"A100"}`)

	ident := NewPanelIdentifier(port, time.Second, nil, testLogger())
	got, err := ident.Identify(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, got.IsPanel)
	require.Equal(t, "PG-4", got.Panel.Model)
	require.Equal(t, "hallway", got.Panel.Name)
	require.NotNil(t, got.Conn)

	// The retained connection must accept commands.
	err = got.Conn.Send(context.Background(), models.Command{Op: "noop"})
	require.NoError(t, err)
	require.NoError(t, got.Conn.Close())
}

func TestIdentifyNotPanelOnGarbage(t *testing.T) {
	addr, port := startFakePanel(t, "HTTP/1.0 400 Bad Request")

	ident := NewPanelIdentifier(port, time.Second, nil, testLogger())
	got, err := ident.Identify(context.Background(), addr)
	require.NoError(t, err)
	require.False(t, got.IsPanel)
	require.Nil(t, got.Conn)
}

func TestIdentifyNotPanelOnMissingModel(t *testing.T) {
	addr, port := startFakePanel(t, `{"firmware":"2.1.0"}`)

	ident := NewPanelIdentifier(port, time.Second, nil, testLogger())
	got, err := ident.Identify(context.Background(), addr)
	require.NoError(t, err)
	require.False(t, got.IsPanel)
}

func TestIdentifyNotPanelOnRefusedConnection(t *testing.T) {
	// Grab a port and close the listener so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	ident := NewPanelIdentifier(port, 500*time.Millisecond, nil, testLogger())
	got, err := ident.Identify(context.Background(), addr)
	require.NoError(t, err)
	require.False(t, got.IsPanel)
}

func TestIdentifyNotPanelWhenBudgetElapses(t *testing.T) {
	// A dial that outlives the ident budget settles like a refused one.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	ident := NewPanelIdentifier(DefaultPanelPort, 500*time.Millisecond, nil, testLogger())
	got, err := ident.Identify(ctx, "203.0.113.1")
	require.NoError(t, err)
	require.False(t, got.IsPanel)
}

func TestIdentifyCancellationSurfacesError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ident := NewPanelIdentifier(DefaultPanelPort, 500*time.Millisecond, nil, testLogger())
	_, err := ident.Identify(ctx, "203.0.113.1")
	require.Error(t, err)
}

func TestPanelConnSendEncodesJSONLine(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := newPanelConn(client)
	go func() {
		conn.Send(context.Background(), models.Command{Op: "shade.move", Args: map[string]string{"position": "40"}})
	}()

	line, err := bufio.NewReader(server).ReadBytes('\n')
	require.NoError(t, err)

	var cmd models.Command
	require.NoError(t, json.Unmarshal(line, &cmd))
	require.Equal(t, "shade.move", cmd.Op)
	require.Equal(t, "40", cmd.Args["position"])
}
