//go:build !windows

package probe

import (
	"context"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// panelService is the mDNS service type panels announce themselves under.
const panelService = "_panelgrid._tcp"

// MDNSHints queries the local network for panel announcements and returns
// a map of IP address to announced instance name. Hints only pre-fill
// metadata; identification still goes through the panel protocol.
func MDNSHints(ctx context.Context, timeout time.Duration, logger *zap.Logger) map[string]string {
	hints := make(map[string]string)

	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entriesCh {
			if entry.AddrV4 != nil {
				hints[entry.AddrV4.String()] = entry.Name
			}
		}
	}()

	params := mdns.DefaultParams(panelService)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	if err := mdns.Query(params); err != nil {
		logger.Debug("mdns query failed", zap.Error(err))
	}
	close(entriesCh)
	<-done

	if ctx.Err() != nil {
		return nil
	}

	logger.Debug("mdns hints collected", zap.Int("count", len(hints)))
	return hints
}
