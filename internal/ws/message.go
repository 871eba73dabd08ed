// Package ws defines the WebSocket message envelope used by the live
// progress streams.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageScanResult      MessageType = "scan.result"
	MessageScanPhaseChange MessageType = "scan.phase_change"
	MessageScanCompleted   MessageType = "scan.completed"
	MessageExecProgress    MessageType = "execution.progress"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	JobID     string      `json:"job_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// Write marshals the message and sends it as one text frame.
func Write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode ws message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
