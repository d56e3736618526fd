package stockcache

import "strconv"

const (
	keyPendingHolds   = "promo:resv:pending"
	keyWriteQueue     = "promo:wb:queue"
	keyWriteInflight  = "promo:wb:inflight"
	keyWriteDeadQueue = "promo:wb:dead"
)

// Unit hash fields.
const (
	fieldTotal  = "total"
	fieldSold   = "sold"
	fieldLimit  = "limit"
	fieldActive = "active"
)

func unitKey(unitID int64) string {
	return "promo:unit:" + strconv.FormatInt(unitID, 10)
}

// heldKey maps requester id to the quantity currently held on the unit.
func heldKey(unitID int64) string {
	return unitKey(unitID) + ":held"
}

// idemKey maps "requester:key" to the reservation it produced.
func idemKey(unitID int64) string {
	return unitKey(unitID) + ":idem"
}

// writeStateKey tracks unapplied ledger deltas; it outlives eviction.
func writeStateKey(unitID int64) string {
	return unitKey(unitID) + ":wb"
}

func reservationKey(reservationID int64) string {
	return "promo:resv:" + strconv.FormatInt(reservationID, 10)
}

func idemField(requesterID, idempotencyKey string) string {
	return requesterID + ":" + idempotencyKey
}
