package stockcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable is shared with the metrics classifier so lifecycle errors
	// caused by the cache are counted as cache errors.
	ErrUnavailable       = metrics.ErrCacheUnavailable
	ErrUnexpectedReply   = errors.New("stock_cache_unexpected_reply")
	ErrReservationAbsent = errors.New("reservation_not_cached")
	ErrUnitMismatch      = errors.New("reservation_unit_mismatch")
	ErrSeqMoved          = errors.New("write_seq_moved")
)

// Reserve outcomes.
const (
	OutcomeDenied    = 0
	OutcomeGranted   = 1
	OutcomeDuplicate = 2
)

// ReserveRequest is one atomic reservation attempt.
type ReserveRequest struct {
	UnitID         int64
	RequesterID    string
	Quantity       int64
	IdempotencyKey string
	ReservationID  int64
	ExpireAt       time.Time
	Now            time.Time
}

// ReserveResult carries the script outcome. ReservationID is set for grants and
// duplicates; Reason is set for denials.
type ReserveResult struct {
	Outcome       int
	ReservationID int64
	Reason        string
}

// Hold describes a reservation known to the durable audit log, used to release
// reservations whose cache record is gone.
type Hold struct {
	UnitID         int64
	RequesterID    string
	Quantity       int64
	IdempotencyKey string
	ExpireAt       time.Time
}

// ReleaseResult reports whether a release changed anything.
type ReleaseResult struct {
	Released bool
	Quantity int64
	// Status is the observed status when nothing was released.
	Status string
}

// ConfirmResult reports the outcome of a confirm call.
type ConfirmResult struct {
	Confirmed bool
	Already   bool
	Status    string
}

// UnitState is a read-only view of a cached unit.
type UnitState struct {
	UnitID    int64
	Cached    bool
	Active    bool
	Total     int64
	Sold      int64
	Limit     int64
	Pending   int64
	WriteSeq  int64
	Remaining int64
}

// CachedReservation is the cache-side reservation record.
type CachedReservation struct {
	ID             int64
	UnitID         int64
	RequesterID    string
	Quantity       int64
	Status         string
	IdempotencyKey string
	ExpireAt       time.Time
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
	ReleasedAt     *time.Time
}

// SyncMode selects how SyncUnit treats missing or tombstoned units.
type SyncMode string

const (
	// SyncActivate makes the unit live, creating it when missing.
	SyncActivate SyncMode = "activate"
	// SyncWarm creates a missing unit and reconciles a live one; tombstones stay inactive.
	SyncWarm SyncMode = "warm"
	// SyncReconcile only corrects counters of a cached unit.
	SyncReconcile SyncMode = "reconcile"
)

// SyncRequest carries ledger truth for a unit together with the write sequence
// observed before the ledger was read.
type SyncRequest struct {
	UnitID      int64
	Total       int64
	LedgerSold  int64
	Limit       int64
	ObservedSeq int64
	Mode        SyncMode
}

// SyncResult reports what the sync script did.
type SyncResult struct {
	Cached bool
	Warmed bool
	// Stale means the unit was activated but its counter was not checked against the ledger.
	Stale     bool
	Drift     int64
	CacheSold int64
}

// Cache is the Redis-held reservation counter store. Counters are mutated only by
// the scripts in this package.
type Cache struct {
	client    redis.UniversalClient
	promo     *config.PromoConfigHolder
	log       *zap.Logger
	metrics   *metrics.ReservationMetrics
	retention time.Duration

	reserve *redis.Script
	release *redis.Script
	confirm *redis.Script
	sync    *redis.Script
	evict   *redis.Script
	ack     *redis.Script
	requeue *redis.Script
}

// Options tunes a Cache.
type Options struct {
	// Retention is how long released holds and evicted per-user state stay readable.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

// New builds a Cache over client.
func New(client redis.UniversalClient, promo *config.PromoConfigHolder, log *zap.Logger, m *metrics.ReservationMetrics, opts Options) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Cache{
		client:    client,
		promo:     promo,
		log:       log.Named("stockcache"),
		metrics:   m,
		retention: opts.Retention,
		reserve:   redis.NewScript(reserveScript),
		release:   redis.NewScript(releaseScript),
		confirm:   redis.NewScript(confirmScript),
		sync:      redis.NewScript(syncScript),
		evict:     redis.NewScript(evictScript),
		ack:       redis.NewScript(ackScript),
		requeue:   redis.NewScript(requeueScript),
	}
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.promo.Get().CacheOpTimeout)
}

func (c *Cache) observe(op string, start time.Time) {
	c.metrics.ObserveCacheOp(op, time.Since(start).Seconds())
}

// wrap marks redis transport failures and timeouts as ErrUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Reserve runs the check-and-increment script for one attempt.
func (c *Cache) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	defer c.observe("reserve", time.Now())
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.reserve.Run(ctx, c.client,
		[]string{
			unitKey(req.UnitID),
			heldKey(req.UnitID),
			idemKey(req.UnitID),
			reservationKey(req.ReservationID),
			keyPendingHolds,
			keyWriteQueue,
			writeStateKey(req.UnitID),
		},
		req.RequesterID,
		req.Quantity,
		idemField(req.RequesterID, req.IdempotencyKey),
		req.ReservationID,
		req.ExpireAt.UnixMilli(),
		req.Now.UnixMilli(),
		req.UnitID,
		req.IdempotencyKey,
		c.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return ReserveResult{}, wrap("reserve", err)
	}
	if len(res) < 2 {
		return ReserveResult{}, ErrUnexpectedReply
	}

	outcome := int(castToInt(res[0]))
	switch outcome {
	case OutcomeDenied:
		return ReserveResult{Outcome: OutcomeDenied, Reason: castToString(res[1])}, nil
	case OutcomeGranted, OutcomeDuplicate:
		id, err := strconv.ParseInt(castToString(res[1]), 10, 64)
		if err != nil {
			return ReserveResult{}, fmt.Errorf("%w: reservation id %v", ErrUnexpectedReply, res[1])
		}
		return ReserveResult{Outcome: outcome, ReservationID: id}, nil
	default:
		return ReserveResult{}, fmt.Errorf("%w: outcome %d", ErrUnexpectedReply, outcome)
	}
}

// Release returns a granted hold to the pool. Releasing anything not granted is a no-op.
// fallback is used when the cache no longer has the reservation record.
func (c *Cache) Release(ctx context.Context, reservationID int64, now time.Time, fallback *Hold) (ReleaseResult, error) {
	defer c.observe("release", time.Now())
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	unitRaw, err := c.client.HGet(ctx, reservationKey(reservationID), "unit").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ReleaseResult{}, wrap("release", err)
	}

	var unitID int64
	recovered := "0"
	var qty int64
	var requester, idem string
	var expireAt int64
	switch {
	case err == nil:
		unitID, err = strconv.ParseInt(unitRaw, 10, 64)
		if err != nil {
			return ReleaseResult{}, fmt.Errorf("%w: unit %q", ErrUnexpectedReply, unitRaw)
		}
	case fallback != nil:
		unitID = fallback.UnitID
		recovered = "1"
		qty = fallback.Quantity
		requester = fallback.RequesterID
		idem = fallback.IdempotencyKey
		expireAt = fallback.ExpireAt.UnixMilli()
	default:
		return ReleaseResult{Status: "missing"}, ErrReservationAbsent
	}

	res, err := c.release.Run(ctx, c.client,
		[]string{
			reservationKey(reservationID),
			unitKey(unitID),
			heldKey(unitID),
			writeStateKey(unitID),
			keyPendingHolds,
			keyWriteQueue,
			idemKey(unitID),
		},
		reservationID,
		now.UnixMilli(),
		unitID,
		recovered,
		qty,
		requester,
		idem,
		expireAt,
		c.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return ReleaseResult{}, wrap("release", err)
	}
	if len(res) < 2 {
		return ReleaseResult{}, ErrUnexpectedReply
	}
	if castToInt(res[0]) == 1 {
		n, _ := strconv.ParseInt(castToString(res[1]), 10, 64)
		return ReleaseResult{Released: true, Quantity: n}, nil
	}
	status := castToString(res[1])
	switch status {
	case "missing":
		return ReleaseResult{Status: status}, ErrReservationAbsent
	case "unit_mismatch":
		return ReleaseResult{Status: status}, ErrUnitMismatch
	}
	return ReleaseResult{Status: status}, nil
}

// Confirm marks a granted reservation confirmed. Confirming twice is reported as Already.
func (c *Cache) Confirm(ctx context.Context, reservationID int64, now time.Time) (ConfirmResult, error) {
	defer c.observe("confirm", time.Now())
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.confirm.Run(ctx, c.client,
		[]string{reservationKey(reservationID), keyPendingHolds, keyWriteQueue},
		reservationID,
		now.UnixMilli(),
	).Slice()
	if err != nil {
		return ConfirmResult{}, wrap("confirm", err)
	}
	if len(res) < 2 {
		return ConfirmResult{}, ErrUnexpectedReply
	}
	status := castToString(res[1])
	switch castToInt(res[0]) {
	case 1:
		return ConfirmResult{Confirmed: true, Status: "confirmed"}, nil
	case 2:
		return ConfirmResult{Confirmed: true, Already: true, Status: status}, nil
	}
	if status == "missing" {
		return ConfirmResult{Status: status}, ErrReservationAbsent
	}
	return ConfirmResult{Status: status}, nil
}

// WriteSeq returns the number of acknowledged ledger writes for the unit.
func (c *Cache) WriteSeq(ctx context.Context, unitID int64) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	raw, err := c.client.HGet(ctx, writeStateKey(unitID), "seq").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("write_seq", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// SyncUnit warms or reconciles the unit counter against ledger truth. The cache
// counter becomes ledger sold plus unapplied write deltas. It returns ErrSeqMoved when a ledger write was acknowledged after ObservedSeq was read.
func (c *Cache) SyncUnit(ctx context.Context, req SyncRequest) (SyncResult, error) {
	defer c.observe("sync", time.Now())
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	mode := req.Mode
	if mode == "" {
		mode = SyncReconcile
	}
	res, err := c.sync.Run(ctx, c.client,
		[]string{
			unitKey(req.UnitID),
			writeStateKey(req.UnitID),
			heldKey(req.UnitID),
			idemKey(req.UnitID),
		},
		req.Total,
		req.LedgerSold,
		req.Limit,
		strconv.FormatInt(req.ObservedSeq, 10),
		string(mode),
	).Slice()
	if err != nil {
		return SyncResult{}, wrap("sync", err)
	}
	if len(res) < 3 {
		return SyncResult{}, ErrUnexpectedReply
	}
	switch castToInt(res[0]) {
	case -1:
		return SyncResult{}, ErrSeqMoved
	case 0:
		return SyncResult{}, nil
	case 1:
		return SyncResult{Cached: true, Warmed: true, CacheSold: castToInt(res[2])}, nil
	case 3:
		return SyncResult{Cached: true, Stale: true, CacheSold: castToInt(res[2])}, nil
	default:
		return SyncResult{Cached: true, Drift: castToInt(res[1]), CacheSold: castToInt(res[2])}, nil
	}
}

// Evict marks the unit inactive so further reservations are denied as not active.
// The tombstone, per-user holds and idempotency markers expire after the retention window.
func (c *Cache) Evict(ctx context.Context, unitID int64) (bool, error) {
	defer c.observe("evict", time.Now())
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.evict.Run(ctx, c.client,
		[]string{unitKey(unitID), heldKey(unitID), idemKey(unitID)},
		int64(c.retention/time.Second),
	).Int64()
	if err != nil {
		return false, wrap("evict", err)
	}
	return n == 1, nil
}

// ReadUnit returns the cached counters for a unit.
func (c *Cache) ReadUnit(ctx context.Context, unitID int64) (UnitState, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	unitCmd := pipe.HGetAll(ctx, unitKey(unitID))
	wbCmd := pipe.HGetAll(ctx, writeStateKey(unitID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return UnitState{}, wrap("read_unit", err)
	}

	state := UnitState{UnitID: unitID}
	fields := unitCmd.Val()
	wb := wbCmd.Val()
	state.Pending = parseInt(wb["pending"])
	state.WriteSeq = parseInt(wb["seq"])
	if len(fields) == 0 {
		return state, nil
	}
	state.Cached = true
	state.Active = fields[fieldActive] == "1"
	state.Total = parseInt(fields[fieldTotal])
	state.Sold = parseInt(fields[fieldSold])
	state.Limit = parseInt(fields[fieldLimit])
	state.Remaining = state.Total - state.Sold
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	return state, nil
}

// GetReservation reads the cache-side reservation record.
func (c *Cache) GetReservation(ctx context.Context, reservationID int64) (*CachedReservation, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return nil, wrap("get_reservation", err)
	}
	if len(fields) == 0 {
		return nil, ErrReservationAbsent
	}
	out := &CachedReservation{
		ID:             reservationID,
		UnitID:         parseInt(fields["unit"]),
		RequesterID:    fields["requester"],
		Quantity:       parseInt(fields["qty"]),
		Status:         fields["status"],
		IdempotencyKey: fields["idem"],
		ExpireAt:       msToTime(fields["expire_at"]),
		CreatedAt:      msToTime(fields["created_at"]),
	}
	if v, ok := fields["confirmed_at"]; ok {
		t := msToTime(v)
		out.ConfirmedAt = &t
	}
	if v, ok := fields["released_at"]; ok {
		t := msToTime(v)
		out.ReleasedAt = &t
	}
	return out, nil
}

// DueReservations lists granted reservations whose expiry is at or before now.
func (c *Cache) DueReservations(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	members, err := c.client.ZRangeByScore(ctx, keyPendingHolds, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrap("due_reservations", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			c.log.Warn("stockcache.pending.bad_member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Dequeue moves up to max intents from the write queue to the in-flight list.
func (c *Cache) Dequeue(ctx context.Context, max int) ([]Intent, error) {
	out := make([]Intent, 0, max)
	for len(out) < max {
		raw, err := c.client.LMove(ctx, keyWriteQueue, keyWriteInflight, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, wrap("dequeue", err)
		}
		intent, err := decodeIntent(raw)
		if err != nil {
			c.log.Error("writebehind.decode_failed", zap.String("entry", raw), zap.Error(err))
			if dlErr := c.client.LMove(ctx, keyWriteInflight, keyWriteDeadQueue, "RIGHT", "RIGHT").Err(); dlErr != nil {
				return out, wrap("dequeue", dlErr)
			}
			continue
		}
		out = append(out, intent)
	}
	return out, nil
}

// Ack records that the intent reached the ledger.
func (c *Cache) Ack(ctx context.Context, intent Intent) (bool, error) {
	n, err := c.ack.Run(ctx, c.client,
		[]string{writeStateKey(intent.UnitID), keyWriteInflight},
		-intent.PendingDelta(),
		intent.raw,
	).Int64()
	if err != nil {
		return false, wrap("ack", err)
	}
	return n == 1, nil
}

// DeadLetter parks an intent that exhausted its retries. Its pending delta is
// dropped so reconciliation converges the counter to the ledger.
func (c *Cache) DeadLetter(ctx context.Context, intent Intent) error {
	return wrap("dead_letter", c.ack.Run(ctx, c.client,
		[]string{writeStateKey(intent.UnitID), keyWriteInflight, keyWriteDeadQueue},
		-intent.PendingDelta(),
		intent.raw,
	).Err())
}

// RequeueInflight moves every in-flight intent back to the head of the queue.
func (c *Cache) RequeueInflight(ctx context.Context) (int64, error) {
	n, err := c.requeue.Run(ctx, c.client, []string{keyWriteInflight, keyWriteQueue}).Int64()
	if err != nil {
		return 0, wrap("requeue", err)
	}
	return n, nil
}

// QueueDepth reports queued, in-flight and dead-lettered intent counts.
func (c *Cache) QueueDepth(ctx context.Context) (queued, inflight, dead int64, err error) {
	pipe := c.client.Pipeline()
	q := pipe.LLen(ctx, keyWriteQueue)
	i := pipe.LLen(ctx, keyWriteInflight)
	d := pipe.LLen(ctx, keyWriteDeadQueue)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, wrap("queue_depth", err)
	}
	return q.Val(), i.Val(), d.Val(), nil
}

// Ping checks cache reachability.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	return wrap("ping", c.client.Ping(ctx).Err())
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func msToTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt(v)).UTC()
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func castToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
