package probe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Compile-time interface guard.
var _ Prober = (*ICMPProber)(nil)

// ICMPProber pings addresses using ICMP via pro-bing.
type ICMPProber struct {
	timeout time.Duration
	count   int
}

// NewICMPProber creates an ICMP prober with the given per-address timeout
// and ping count.
func NewICMPProber(timeout time.Duration, count int) *ICMPProber {
	return &ICMPProber{
		timeout: timeout,
		count:   count,
	}
}

// Probe pings the address once. Silence within the timeout is (false, nil);
// pinger setup or run failures are reported as errors.
func (p *ICMPProber) Probe(ctx context.Context, address string) (bool, error) {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false, fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	// Run pinger in a goroutine for context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return false, fmt.Errorf("ping %s: %w", address, runErr)
		}
		return pinger.Statistics().PacketsRecv > 0, nil

	case <-ctx.Done():
		pinger.Stop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The probe budget elapsed with no reply; that is silence,
			// not a failure.
			return false, nil
		}
		return false, ctx.Err()
	}
}
