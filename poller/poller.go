// Package poller implements the generic periodic polling framework that
// drives every source handler. The framework is a single loop parameterized
// by a handler's hook functions; handlers stay thin and source-specific.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config bounds the polling cadence.
type Config struct {
	// PollingInterval is the minimum gap between polls of the same account.
	PollingInterval time.Duration

	// InitialDelay is the grace period before the first cycle.
	InitialDelay time.Duration

	// CycleDelay is the gap between sweeps over all accounts.
	CycleDelay time.Duration
}

// DefaultConfig returns production polling defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 5 * time.Minute,
		InitialDelay:    10 * time.Second,
		CycleDelay:      30 * time.Second,
	}
}

// Handler supplies the source-specific hooks the framework drives.
type Handler[A any] struct {
	// Name identifies the handler in logs.
	Name string

	// Accounts enumerates the accounts to poll this sweep.
	Accounts func(ctx context.Context) ([]A, error)

	// LastPoll returns the time of the last successful poll for an account,
	// or the zero time if it has never been polled.
	LastPoll func(ctx context.Context, account A) (time.Time, error)

	// ExecutePoll performs one poll of the account.
	ExecutePoll func(ctx context.Context, account A) error

	// RecordPoll persists a successful poll. Not invoked on failure, so the
	// cursor never advances past unprocessed items.
	RecordPoll func(ctx context.Context, account A, polledAt time.Time) error

	// OnAuthFailure is invoked when ExecutePoll reports an auth error; it
	// should poison the account's connection. Optional.
	OnAuthFailure func(ctx context.Context, account A, err error)

	// Label renders an account for logging.
	Label func(account A) string
}

func (h Handler[A]) validate() error {
	if h.Accounts == nil || h.ExecutePoll == nil || h.LastPoll == nil || h.RecordPoll == nil {
		return fmt.Errorf("handler %q: Accounts, LastPoll, ExecutePoll and RecordPoll are required", h.Name)
	}
	return nil
}

// Run drives the polling loop until ctx is cancelled. Per-account errors
// never abort a sweep; they are logged, counted, and the account's cursor is
// left untouched.
func Run[A any](ctx context.Context, cfg Config, h Handler[A], logger *slog.Logger) error {
	if err := h.validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("handler", h.Name)

	if cfg.PollingInterval <= 0 {
		cfg = DefaultConfig()
	}

	if err := sleep(ctx, cfg.InitialDelay); err != nil {
		return err
	}

	logger.Info("Poller started",
		"interval", cfg.PollingInterval,
		"cycle_delay", cfg.CycleDelay)

	for {
		sweep(ctx, cfg, h, logger)

		if err := sleep(ctx, cfg.CycleDelay); err != nil {
			logger.Info("Poller stopped")
			return err
		}
	}
}

// sweep performs one pass over all accounts.
func sweep[A any](ctx context.Context, cfg Config, h Handler[A], logger *slog.Logger) {
	accounts, err := h.Accounts(ctx)
	if err != nil {
		logger.Warn("Failed to enumerate accounts", "error", err)
		return
	}

	var polled, failed int
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := pollAccount(ctx, cfg, h, logger, account); err != nil {
			failed++
			continue
		}
		polled++
	}

	if polled > 0 || failed > 0 {
		logger.Debug("Sweep complete", "accounts", len(accounts), "polled", polled, "failed", failed)
	}
}

func pollAccount[A any](ctx context.Context, cfg Config, h Handler[A], logger *slog.Logger, account A) error {
	label := labelOf(h, account)

	last, err := h.LastPoll(ctx, account)
	if err != nil {
		logger.Warn("Failed to read last poll time", "account", label, "error", err)
		return err
	}
	if !last.IsZero() && time.Since(last) < cfg.PollingInterval {
		return nil
	}

	now := time.Now()
	if err := h.ExecutePoll(ctx, account); err != nil {
		switch {
		case ctx.Err() != nil:
			return err
		case IsAuthError(err):
			logger.Error("Authentication failed, invalidating connection",
				"account", label, "error", err)
			if h.OnAuthFailure != nil {
				h.OnAuthFailure(ctx, account, err)
			}
		case IsDataError(err):
			logger.Warn("Bad item during poll, account continues",
				"account", label, "error", err)
		default:
			// Transient: retried on the next cycle.
			logger.Warn("Poll failed", "account", label, "error", err)
		}
		return err
	}

	if err := h.RecordPoll(ctx, account, now); err != nil {
		logger.Warn("Failed to record poll", "account", label, "error", err)
		return err
	}
	return nil
}

func labelOf[A any](h Handler[A], account A) string {
	if h.Label != nil {
		return h.Label(account)
	}
	return fmt.Sprintf("%v", account)
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
