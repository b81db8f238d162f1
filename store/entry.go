package store

import "time"

// Entry is one cache record as it moves through the write queues and storage.
//
// ID is assigned by storage on insert; zero means the entry has not been
// persisted yet. The zero ExpireAt means the entry never expires; any other
// value is normalized by NormalizeExpiry so that Entry stays comparable with ==.
type Entry struct {
	ID       int64
	Key      string
	Value    string
	ExpireAt time.Time
}

// NewEntry builds an unpersisted entry. A ttl <= 0 never expires.
func NewEntry(key, value string, ttl time.Duration, now time.Time) Entry {
	e := Entry{Key: key, Value: value}
	if ttl > 0 {
		e.ExpireAt = NormalizeExpiry(now.Add(ttl))
	}
	return e
}

// HasExpiry reports whether the entry carries an expiration time.
func (e Entry) HasExpiry() bool {
	return !e.ExpireAt.IsZero()
}

// Expired reports whether the entry has an expiration strictly before now.
func (e Entry) Expired(now time.Time) bool {
	return e.HasExpiry() && e.ExpireAt.Before(now)
}

// NormalizeExpiry strips the monotonic reading and location and truncates to
// the millisecond, which is the precision every backend persists.
func NormalizeExpiry(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func expiryToMillis(t time.Time) (int64, bool) {
	if t.IsZero() {
		return 0, false
	}
	return t.UnixMilli(), true
}

func expiryFromMillis(ms int64, valid bool) time.Time {
	if !valid {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
