package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/promosale/internal/config"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SoldOutMarker is told about every applied reserve so a full parent can move to sold_out.
type SoldOutMarker interface {
	MarkSoldOutIfFull(ctx context.Context, result ledgerdomain.ApplyResult) (bool, error)
}

type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		PollInterval:   50 * time.Millisecond,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

type Params struct {
	fx.In

	Cache   *stockcache.Cache
	Ledger  ledgerdomain.Service
	SoldOut SoldOutMarker
	Promo   *config.PromoConfigHolder
	Log     *zap.Logger
	Metrics *obsmetrics.ReservationMetrics `optional:"true"`
	Config  Config                         `optional:"true"`
}

// Worker drains the cache write queue into the stock ledger. Every intent is
// applied at least once; the ledger's per-reservation write keys make replays no-ops.
type Worker struct {
	cache   *stockcache.Cache
	ledger  ledgerdomain.Service
	soldOut SoldOutMarker
	promo   *config.PromoConfigHolder
	log     *zap.Logger
	metrics *obsmetrics.ReservationMetrics
	cfg     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(p Params) *Worker {
	return &Worker{
		cache:   p.Cache,
		ledger:  p.Ledger,
		soldOut: p.SoldOut,
		promo:   p.Promo,
		log:     p.Log.Named("writebehind"),
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

// Start requeues intents left in flight by a previous process and starts the drain loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	if n, err := w.cache.RequeueInflight(ctx); err != nil {
		w.log.Warn("writebehind.requeue_failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("writebehind.requeued", zap.Int64("intents", n))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, w.done)
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("writebehind.batch_failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessBatch applies up to one batch of queued intents and returns how many it handled.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	intents, err := w.cache.Dequeue(ctx, w.cfg.BatchSize)
	if err != nil && len(intents) == 0 {
		return 0, err
	}

	processed := 0
	batchErr := err
	for _, intent := range intents {
		if err := w.handle(ctx, intent); err != nil {
			batchErr = errors.Join(batchErr, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		processed++
	}
	return processed, batchErr
}

func (w *Worker) handle(ctx context.Context, intent stockcache.Intent) error {
	write := toWrite(intent)
	log := w.log.With(
		zap.String("op", intent.Op),
		zap.String("reservation_id", write.ReservationID.String()),
		zap.String("unit_id", write.UnitID.String()),
	)

	var result ledgerdomain.ApplyResult
	apply := func() error {
		res, err := w.ledger.Apply(ctx, write)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	err := backoff.RetryNotify(apply, w.policy(ctx), func(err error, next time.Duration) {
		w.metrics.IncWriteRetried()
		log.Warn("writebehind.apply_failed", zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			// Left in flight; requeued on next start.
			return ctx.Err()
		}
		return w.deadLetter(ctx, intent, log, err)
	}

	if result.Applied {
		w.metrics.IncWriteApplied(intent.Op)
	}
	if _, err := w.cache.Ack(ctx, intent); err != nil {
		log.Warn("writebehind.ack_failed", zap.Error(err))
		return fmt.Errorf("ack %s: %w", write.ReservationID, err)
	}

	if write.Op == ledgerdomain.WriteOpReserve && result.Applied && result.SoldOut() && w.soldOut != nil {
		if _, err := w.soldOut.MarkSoldOutIfFull(ctx, result); err != nil {
			log.Warn("writebehind.sold_out_check_failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, intent stockcache.Intent, log *zap.Logger, cause error) error {
	w.metrics.IncWriteDeadLetter()
	log.Error("writebehind.dead_letter", zap.Error(cause))
	if err := w.cache.DeadLetter(ctx, intent); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

func (w *Worker) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.InitialBackoff
	exp.MaxInterval = w.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	retries := w.promo.Get().WriteBehindMaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// isPermanent reports ledger errors that no retry can fix. Capacity overruns
// mean the cache drifted; reconciliation corrects the counter instead.
func isPermanent(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInvalidWrite) ||
		errors.Is(err, ledgerdomain.ErrInvalidOp) ||
		errors.Is(err, ledgerdomain.ErrUnitNotFound) ||
		errors.Is(err, ledgerdomain.ErrCapacityExceeded)
}

func toWrite(intent stockcache.Intent) ledgerdomain.Write {
	return ledgerdomain.Write{
		Op:             ledgerdomain.WriteOp(intent.Op),
		ReservationID:  snowflake.ID(intent.ReservationID),
		UnitID:         snowflake.ID(intent.UnitID),
		RequesterID:    intent.RequesterID,
		Quantity:       intent.Quantity,
		IdempotencyKey: intent.IdempotencyKey,
		ExpiresAt:      time.UnixMilli(intent.ExpireAtMs).UTC(),
		At:             time.UnixMilli(intent.AtMs).UTC(),
	}
}
