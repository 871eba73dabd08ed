//go:build windows

package probe

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MDNSHints is unavailable on Windows: hashicorp/mdns cannot bind the
// multicast group alongside the system resolver there. Discovery proceeds
// without announcement hints.
func MDNSHints(_ context.Context, _ time.Duration, logger *zap.Logger) map[string]string {
	logger.Debug("mdns hints unavailable on windows")
	return nil
}
