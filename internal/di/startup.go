package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const orderBookLoadTimeout = 30 * time.Second

// Prepare brings a freshly wired container up to date before anything is started: the order
// book is rebuilt from the ledger, then positions are fetched for every configured account
// so risk checks and snapshots do not start from an empty tracker. A failed position refresh
// is logged and left to the scheduled job; a failed ledger load is returned.
func Prepare(ctx context.Context, container *Container, jobs *JobInstances, log zerolog.Logger) error {
	loadCtx, cancel := context.WithTimeout(ctx, orderBookLoadTimeout)
	err := container.OrderBook.Load(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load order book from ledger: %w", err)
	}

	if jobs != nil && jobs.PositionsRefresh != nil {
		if err := jobs.PositionsRefresh.Run(); err != nil {
			log.Warn().Err(err).Msg("Initial position refresh incomplete, scheduled refresh will retry")
		}
	}
	return nil
}
