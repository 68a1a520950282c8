package credstore

import (
	"context"
	"time"

	"authrelay/pkg/logging"
)

// DefaultSweepInterval is how often the background sweeper purges expired
// credentials when no interval is configured.
const DefaultSweepInterval = 5 * time.Minute

// RunSweeper periodically purges expired credentials from a Sweepable store.
// Blocks until ctx is cancelled. Backends already purge lazily on Get; the
// sweeper just bounds how long dead entries linger without being read.
func RunSweeper(ctx context.Context, store Sweepable, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := store.Sweep(ctx)
			if err != nil {
				logging.Warn("CredStore", "Credential sweep failed: %v", err)
				continue
			}
			if count > 0 {
				logging.Debug("CredStore", "Swept %d expired credentials", count)
			}
		case <-ctx.Done():
			return
		}
	}
}
