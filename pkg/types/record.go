package types

import "time"

// Record is one value stored in the DHT. A key may hold many records, one
// per publisher; a publisher re-putting the same key replaces its record.
type Record struct {
	Key       string    `json:"key"`
	Publisher string    `json:"publisher"`
	Value     []byte    `json:"value"`
	Expires   time.Time `json:"expires"`
}

// Expired reports whether the record's TTL has passed. A zero Expires never expires.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}
