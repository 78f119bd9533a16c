package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/Asort97/marzbanBot/metrics"
	"github.com/rs/zerolog/log"
)

type SweepReport struct {
	Checked int
	Revoked int
	Failed  int
	Skipped int
}

// SweepExpired revokes every subscription whose expiry has passed. A user
// whose remote account cannot be disabled keeps the row and is retried on
// the next pass.
func (r *Reconciler) SweepExpired(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer metrics.ObserveSweep(start)

	var report SweepReport
	accounts, err := r.store.ListWithExpiry(ctx)
	if err != nil {
		return report, err
	}

	now := r.now()
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		logger := log.With().Int64("user_id", acc.UserID).Str("end_date", acc.EndDate).Logger()

		expiry, set, err := ParseExpiry(acc.EndDate)
		if err != nil {
			report.Skipped++
			logger.Warn().Err(err).Msg("skipping account with unreadable expiry")
			continue
		}
		if !set || !expiry.Before(now) {
			continue
		}

		name := AccountName(acc.UserID)
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err = r.provisioner.Disable(callCtx, name)
		cancel()
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			report.Failed++
			metrics.Revocations.WithLabelValues("disable_error").Inc()
			logger.Warn().Err(err).Msg("failed to disable expired account")
			continue
		}

		cleared, err := r.store.ClearSubscription(ctx, acc.UserID, acc.EndDate)
		if err != nil {
			report.Failed++
			metrics.Revocations.WithLabelValues("store_error").Inc()
			logger.Error().Err(err).Msg("account disabled but row not cleared")
			continue
		}
		if !cleared {
			// paid while we were disabling
			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			if err := r.provisioner.Enable(callCtx, name); err != nil && !errors.Is(err, ErrAccountNotFound) {
				logger.Error().Err(err).Msg("failed to re-enable renewed account")
			}
			cancel()
			metrics.Revocations.WithLabelValues("renewed").Inc()
			logger.Info().Msg("subscription renewed during sweep")
			continue
		}

		report.Revoked++
		metrics.Revocations.WithLabelValues("revoked").Inc()
		logger.Info().Msg("subscription expired, access revoked")

		if r.notifier != nil {
			if err := r.notifier.NotifyExpired(ctx, acc.UserID); err != nil {
				logger.Warn().Err(err).Msg("failed to notify user about expiry")
			}
		}
	}
	return report, nil
}

// Run sweeps once right away and then every sweep interval until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.sweepInterval).Msg("expiry sweep started")
	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry sweep stopped")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	report, err := r.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("expiry sweep failed")
		}
		return
	}
	log.Info().
		Int("checked", report.Checked).
		Int("revoked", report.Revoked).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("expiry sweep finished")
}
