package repository

import (
	"slices"
	"time"
)

// StickyRecord is a named hold preventing eviction. A zero Expires never
// expires.
type StickyRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires,omitempty"`
}

// IsValid reports whether the record still holds at now.
func (r StickyRecord) IsValid(now time.Time) bool {
	return r.Expires.IsZero() || r.Expires.After(now)
}

// Entry is a snapshot of a replica's metadata. Values handed out by the
// Repository are copies and may be stale by the time they are used.
type Entry struct {
	ID             string         `json:"id"`
	State          State          `json:"state"`
	Size           int64          `json:"size"`
	StorageClass   string         `json:"storage_class,omitempty"`
	CreationTime   time.Time      `json:"creation_time"`
	LastAccessTime time.Time      `json:"last_access_time"`
	Sticky         []StickyRecord `json:"sticky,omitempty"`
}

// IsSticky reports whether any sticky record is unexpired at now.
func (e Entry) IsSticky(now time.Time) bool {
	for _, r := range e.Sticky {
		if r.IsValid(now) {
			return true
		}
	}
	return false
}

// HasStickyOwner reports whether owner holds an unexpired sticky record.
func (e Entry) HasStickyOwner(owner string, now time.Time) bool {
	for _, r := range e.Sticky {
		if r.Owner == owner && r.IsValid(now) {
			return true
		}
	}
	return false
}

// IsEvictable reports whether the replica may be evicted at now: it must
// be CACHED with no unexpired sticky record.
func (e Entry) IsEvictable(now time.Time) bool {
	return e.State == Cached && !e.IsSticky(now)
}

func (e Entry) clone() Entry {
	e.Sticky = slices.Clone(e.Sticky)
	return e
}
