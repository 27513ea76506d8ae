package migration

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

// Filter selects the replicas a job migrates. Filters are pure functions
// of the replica snapshot and the evaluation time.
type Filter interface {
	Accept(e repository.Entry, now time.Time) bool
	String() string
}

// And accepts replicas accepted by every filter. An empty And accepts
// everything.
type And []Filter

func (f And) Accept(e repository.Entry, now time.Time) bool {
	for _, sub := range f {
		if !sub.Accept(e, now) {
			return false
		}
	}
	return true
}

func (f And) String() string {
	if len(f) == 0 {
		return "all"
	}
	parts := make([]string, len(f))
	for i, sub := range f {
		parts[i] = sub.String()
	}
	return strings.Join(parts, " and ")
}

// SizeRange accepts replicas with Min <= size < Max. A zero Max is
// unbounded.
type SizeRange struct {
	Min, Max int64
}

func (f SizeRange) Accept(e repository.Entry, _ time.Time) bool {
	return e.Size >= f.Min && (f.Max == 0 || e.Size < f.Max)
}

func (f SizeRange) String() string {
	if f.Max == 0 {
		return fmt.Sprintf("size>=%d", f.Min)
	}
	return fmt.Sprintf("size in [%d,%d)", f.Min, f.Max)
}

// StateIn accepts replicas in one of the listed states.
type StateIn []repository.State

func (f StateIn) Accept(e repository.Entry, _ time.Time) bool {
	return slices.Contains(f, e.State)
}

func (f StateIn) String() string {
	names := make([]string, len(f))
	for i, s := range f {
		names[i] = s.String()
	}
	return "state in {" + strings.Join(names, ",") + "}"
}

// IdleFor accepts replicas not accessed within the duration.
type IdleFor time.Duration

func (f IdleFor) Accept(e repository.Entry, now time.Time) bool {
	return now.Sub(e.LastAccessTime) >= time.Duration(f)
}

func (f IdleFor) String() string {
	return "idle>=" + time.Duration(f).String()
}

// Sticky accepts replicas whose stickiness equals the value.
type Sticky bool

func (f Sticky) Accept(e repository.Entry, now time.Time) bool {
	return e.IsSticky(now) == bool(f)
}

func (f Sticky) String() string {
	if f {
		return "sticky"
	}
	return "not sticky"
}

// StickyOwner accepts replicas with an unexpired sticky record of owner.
type StickyOwner string

func (f StickyOwner) Accept(e repository.Entry, now time.Time) bool {
	return e.HasStickyOwner(string(f), now)
}

func (f StickyOwner) String() string {
	return "sticky by " + string(f)
}

// IDIn accepts the listed replicas.
type IDIn map[string]struct{}

// NewIDIn builds an IDIn filter.
func NewIDIn(ids ...string) IDIn {
	f := make(IDIn, len(ids))
	for _, id := range ids {
		f[id] = struct{}{}
	}
	return f
}

func (f IDIn) Accept(e repository.Entry, _ time.Time) bool {
	_, ok := f[e.ID]
	return ok
}

func (f IDIn) String() string {
	return fmt.Sprintf("id in %d replicas", len(f))
}

// StorageClassIn accepts replicas of the listed storage classes.
type StorageClassIn []string

func (f StorageClassIn) Accept(e repository.Entry, _ time.Time) bool {
	return slices.Contains(f, e.StorageClass)
}

func (f StorageClassIn) String() string {
	return "storage class in {" + strings.Join(f, ",") + "}"
}
