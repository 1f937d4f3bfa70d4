package outbox

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// Store is the claim-process-commit interface the dispatcher runs against.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ClaimTx(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]*models.OutboxEntry, error)
	MarkSentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, sentAt time.Time) error
	MarkRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, nextAttemptAt time.Time, errMsg string) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, errMsg string) error
}

// Config controls polling cadence and the retry schedule.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig matches the production retry schedule: 30s doubling up to
// 1h, 8 attempts before a row is marked failed.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxAttempts:  8,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   time.Hour,
	}
}

// Dispatcher polls for due pending entries and delivers them. Any number of
// instances may run concurrently: SKIP LOCKED claims give each a disjoint
// batch, and the row is updated in the same transaction that claimed it.
type Dispatcher struct {
	store  Store
	sender Sender
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func NewDispatcher(store Store, sender Sender, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Dispatcher{store: store, sender: sender, cfg: cfg, log: log, now: time.Now}
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.log.Error("outbox dispatch cycle failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch, delivers each entry, and commits the outcome.
// Returns the number of entries processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	entries, err := d.store.ClaimTx(ctx, tx, d.cfg.BatchSize, d.now())
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := d.deliver(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return len(entries), tx.Commit(ctx)
}

// deliver sends one claimed entry and records the outcome on the locked row.
// A crash after the send but before commit leaves the row pending; the
// dedupe key handed to the provider makes the repeated send a no-op there.
func (d *Dispatcher) deliver(ctx context.Context, tx pgx.Tx, e *models.OutboxEntry) error {
	sendErr := d.sender.Send(ctx, e)
	if sendErr == nil {
		return d.store.MarkSentTx(ctx, tx, e.ID, d.now())
	}

	attempts := e.Attempts + 1
	if IsHardBounce(sendErr) {
		d.log.Warn("outbox entry hard-bounced", "id", e.ID, "type", e.Type, "error", sendErr)
		return d.store.MarkFailedTx(ctx, tx, e.ID, attempts, sendErr.Error())
	}
	if attempts >= d.cfg.MaxAttempts {
		d.log.Warn("outbox entry exhausted retries", "id", e.ID, "type", e.Type, "attempts", attempts, "error", sendErr)
		return d.store.MarkFailedTx(ctx, tx, e.ID, attempts, sendErr.Error())
	}
	next := d.now().Add(d.backoff(attempts))
	d.log.Info("outbox entry scheduled for retry", "id", e.ID, "attempts", attempts, "next_attempt_at", next)
	return d.store.MarkRetryTx(ctx, tx, e.ID, attempts, next, sendErr.Error())
}

// backoff returns base * 2^(attempts-1) with up to 20% jitter, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts && delay < d.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
