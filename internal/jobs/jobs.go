package jobs

import (
	"context"

	"go.uber.org/zap"
)

// Sweeper closes bets whose closing time has passed.
type Sweeper interface {
	CloseExpiredBets(ctx context.Context) (int, error)
}

// Reconciler checks every wallet against its ledger.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

// CloseSweep returns a job that closes expired bets.
func CloseSweep(s Sweeper, log *zap.Logger) Job {
	return func(ctx context.Context) error {
		n, err := s.CloseExpiredBets(ctx)
		if n > 0 {
			log.Info("expired bets closed", zap.Int("closed", n))
		}
		return err
	}
}

// Reconcile returns a job that reconciles every wallet.
func Reconcile(rc Reconciler, log *zap.Logger) Job {
	return func(ctx context.Context) error {
		n, err := rc.ReconcileAll(ctx)
		log.Info("wallets reconciled", zap.Int("checked", n), zap.Bool("clean", err == nil))
		return err
	}
}
