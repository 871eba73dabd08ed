package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// DefaultPanelPort is the TCP port panels answer the control protocol on.
const DefaultPanelPort = 5311

// Compile-time interface guard.
var _ Identifier = (*PanelIdentifier)(nil)

// identReply is the panel's answer to an ident request.
type identReply struct {
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Manufacturer string `json:"manufacturer"`
}

// PanelIdentifier speaks the panel control protocol (newline-delimited JSON
// over TCP) to decide whether a responding address is a panel. Identified
// panels keep their connection open as the live control channel.
type PanelIdentifier struct {
	port    int
	timeout time.Duration
	logger  *zap.Logger

	// enrich optionally fills extra metadata (e.g., SNMP sysDescr) after a
	// successful identification.
	enrich Enricher
}

// Enricher adds metadata to an identified panel. Enrichment failures are
// ignored; the identification stands on its own.
type Enricher interface {
	Enrich(ctx context.Context, panel *models.Panel)
}

// NewPanelIdentifier creates an identifier for the given port and
// per-address timeout. enrich may be nil.
func NewPanelIdentifier(port int, timeout time.Duration, enrich Enricher, logger *zap.Logger) *PanelIdentifier {
	if port <= 0 {
		port = DefaultPanelPort
	}
	return &PanelIdentifier{
		port:    port,
		timeout: timeout,
		logger:  logger,
		enrich:  enrich,
	}
}

// Identify dials the panel port and performs the ident exchange. Addresses
// that refuse the connection or answer garbage classify as not-panel; only
// internal faults surface as errors.
func (p *PanelIdentifier) Identify(ctx context.Context, address string) (Identification, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	target := net.JoinHostPort(address, strconv.Itoa(p.port))

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Identification{}, ctx.Err()
		}
		// Refused, unreachable, or silent past the ident budget: the
		// address does not speak the panel protocol.
		return Identification{IsPanel: false}, nil
	}

	deadline := time.Now().Add(p.timeout)
	_ = conn.SetDeadline(deadline)

	reply, err := identExchange(conn)
	if err != nil {
		_ = conn.Close()
		p.logger.Debug("ident exchange failed", zap.String("address", address), zap.Error(err))
		return Identification{IsPanel: false}, nil
	}

	// Clear the ident deadline; the connection stays open for control.
	_ = conn.SetDeadline(time.Time{})

	panel := models.Panel{
		Address:      address,
		Name:         reply.Name,
		Model:        reply.Model,
		Firmware:     reply.Firmware,
		SerialNumber: reply.SerialNumber,
		Manufacturer: reply.Manufacturer,
		LastSeen:     time.Now().UTC(),
	}
	if p.enrich != nil {
		p.enrich.Enrich(ctx, &panel)
	}

	return Identification{
		IsPanel: true,
		Panel:   panel,
		Conn:    newPanelConn(conn),
	}, nil
}

// identExchange sends the ident request and parses the reply line.
func identExchange(conn net.Conn) (identReply, error) {
	if _, err := fmt.Fprintf(conn, "{\"op\":%q}\n", "ident"); err != nil {
		return identReply{}, fmt.Errorf("send ident: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return identReply{}, fmt.Errorf("read ident reply: %w", err)
	}

	var reply identReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return identReply{}, fmt.Errorf("parse ident reply: %w", err)
	}
	if reply.Model == "" {
		return identReply{}, fmt.Errorf("ident reply missing model")
	}
	return reply, nil
}

// panelConn is the live control channel for one panel: one JSON command per
// line, serialized by a mutex so stages from different executions interleave
// at command granularity.
type panelConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func newPanelConn(conn net.Conn) *panelConn {
	return &panelConn{conn: conn}
}

// Send writes one command as a JSON line.
func (c *panelConn) Send(ctx context.Context, cmd models.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %q: %w", cmd.Op, err)
	}
	payload = append(payload, '\n')

	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("send command %q: %w", cmd.Op, err)
	}
	return nil
}

// Close shuts the control channel down.
func (c *panelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
