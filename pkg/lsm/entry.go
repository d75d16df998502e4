package lsm

import (
	"bytes"
	"time"
)

// NeverExpires is the expiry sentinel meaning an entry never expires.
const NeverExpires int64 = 0

// Entry is a single key/value record as it flows through the nursery, the
// sorted files, and the merge iterator. A zero-length Value combined with
// Tombstone=true records a deletion; Tombstone is otherwise always false.
type Entry struct {
	Key       []byte
	Value     []byte
	Expiry    int64 // absolute unix seconds; NeverExpires if it never expires
	Tombstone bool
}

// Expired reports whether e is no longer live as of now.
func (e *Entry) Expired(now time.Time) bool {
	return e.Expiry != NeverExpires && e.Expiry <= now.Unix()
}

// Live reports whether e should be visible to a reader at the given time:
// not a tombstone and not expired.
func (e *Entry) Live(now time.Time) bool {
	return e != nil && !e.Tombstone && !e.Expired(now)
}

// EntryCompare orders two entries by key alone.
func EntryCompare(a, b *Entry) int {
	return bytes.Compare(a.Key, b.Key)
}

// ExpiryFromSeconds converts a relative TTL in seconds (as given by a
// caller or an Options.ExpirySecs default) into an absolute expiry
// timestamp. A ttl of 0 means never expire.
func ExpiryFromSeconds(ttl int64, now time.Time) int64 {
	if ttl <= 0 {
		return NeverExpires
	}
	return now.Unix() + ttl
}
