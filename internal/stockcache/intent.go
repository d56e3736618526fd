package stockcache

import (
	"encoding/json"
	"fmt"
)

// Intent ops.
const (
	OpReserve = "reserve"
	OpRelease = "release"
	OpConfirm = "confirm"
)

// Intent is one durable-write request appended by the reserve, release and
// confirm scripts in the same atomic step as the counter mutation.
type Intent struct {
	Op             string `json:"op"`
	ReservationID  int64  `json:"reservation_id,string"`
	UnitID         int64  `json:"unit_id,string"`
	RequesterID    string `json:"requester_id"`
	Quantity       int64  `json:"quantity,string"`
	IdempotencyKey string `json:"idempotency_key"`
	ExpireAtMs     int64  `json:"expire_at,string"`
	AtMs           int64  `json:"at,string"`

	raw string
}

// PendingDelta is the change this intent made to the unit's unapplied sold delta.
func (i Intent) PendingDelta() int64 {
	switch i.Op {
	case OpReserve:
		return i.Quantity
	case OpRelease:
		return -i.Quantity
	default:
		return 0
	}
}

// Raw returns the queue entry the intent was decoded from.
func (i Intent) Raw() string {
	return i.raw
}

func decodeIntent(raw string) (Intent, error) {
	var intent Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return Intent{raw: raw}, fmt.Errorf("decode write intent: %w", err)
	}
	intent.raw = raw
	return intent, nil
}
