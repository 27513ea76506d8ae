package migration

import (
	"fmt"
	"slices"
	"time"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

// SourceMode is applied to the source replica after a successful copy.
type SourceMode string

const (
	SourceSame      SourceMode = "same"
	SourceCached    SourceMode = "cached"
	SourcePrecious  SourceMode = "precious"
	SourceRemovable SourceMode = "removable" // drop non-pin sticky records, then CACHED
	SourceDelete    SourceMode = "delete"    // REMOVED unless pinned
)

// TargetMode selects the state of the new replica.
type TargetMode string

const (
	TargetSame     TargetMode = "same"
	TargetCached   TargetMode = "cached"
	TargetPrecious TargetMode = "precious"
)

// Order sorts the initial candidate list.
type Order string

const (
	OrderNone Order = ""
	OrderSize Order = "size" // largest first
	OrderLRU  Order = "lru"  // least recently accessed first
)

// Defaults for Definition fields.
const (
	DefaultConcurrency   = 1
	DefaultRefreshPeriod = 30 * time.Second
	DefaultPingInterval  = 30 * time.Second
	DefaultPingTimeout   = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultChunkSize     = 1 << 20
	DefaultPinOwner      = "pin"
)

// Definition describes a migration job.
type Definition struct {
	// SourcePool is filled in by the engine.
	SourcePool string
	Targets    []string
	Filter     Filter

	SourceMode  SourceMode
	TargetMode  TargetMode
	Concurrency int
	Permanent   bool
	Order       Order

	RefreshPeriod time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	ChunkSize     int

	// PinOwners are sticky owners that keep SourceDelete from removing the
	// source and survive SourceRemovable.
	PinOwners []string
}

func (d *Definition) applyDefaults() {
	if d.Filter == nil {
		d.Filter = And{}
	}
	if d.SourceMode == "" {
		d.SourceMode = SourceSame
	}
	if d.TargetMode == "" {
		d.TargetMode = TargetSame
	}
	if d.Concurrency <= 0 {
		d.Concurrency = DefaultConcurrency
	}
	if d.RefreshPeriod <= 0 {
		d.RefreshPeriod = DefaultRefreshPeriod
	}
	if d.PingInterval <= 0 {
		d.PingInterval = DefaultPingInterval
	}
	if d.PingTimeout <= 0 {
		d.PingTimeout = DefaultPingTimeout
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = DefaultChunkSize
	}
	if d.PinOwners == nil {
		d.PinOwners = []string{DefaultPinOwner}
	}
}

// Validate checks the definition after defaults are applied.
func (d Definition) Validate() error {
	targets := slices.DeleteFunc(slices.Clone(d.Targets), func(t string) bool { return t == d.SourcePool })
	if len(targets) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrNoTargets)
	}
	switch d.SourceMode {
	case SourceSame, SourceCached, SourcePrecious, SourceRemovable, SourceDelete:
	default:
		return fmt.Errorf("%w: source mode %q", ErrInvalidJob, d.SourceMode)
	}
	switch d.TargetMode {
	case TargetSame, TargetCached, TargetPrecious:
	default:
		return fmt.Errorf("%w: target mode %q", ErrInvalidJob, d.TargetMode)
	}
	switch d.Order {
	case OrderNone, OrderSize, OrderLRU:
	default:
		return fmt.Errorf("%w: order %q", ErrInvalidJob, d.Order)
	}
	if d.PingTimeout > d.PingInterval {
		return fmt.Errorf("%w: ping timeout %s exceeds interval %s", ErrInvalidJob, d.PingTimeout, d.PingInterval)
	}
	return nil
}

// targetState returns the state the destination replica commits to.
func (d Definition) targetState(source repository.State) repository.State {
	switch d.TargetMode {
	case TargetCached:
		return repository.Cached
	case TargetPrecious:
		return repository.Precious
	}
	return source
}

func (d Definition) isPinned(e repository.Entry, now time.Time) bool {
	for _, owner := range d.PinOwners {
		if e.HasStickyOwner(owner, now) {
			return true
		}
	}
	return false
}

// Spec is the wire form of a Definition used by the admin API and CLI.
type Spec struct {
	Targets       []string   `json:"targets" yaml:"targets"`
	Filters       FilterSpec `json:"filters,omitempty" yaml:"filters,omitempty"`
	SourceMode    string     `json:"source_mode,omitempty" yaml:"source_mode,omitempty"`
	TargetMode    string     `json:"target_mode,omitempty" yaml:"target_mode,omitempty"`
	Concurrency   int        `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Permanent     bool       `json:"permanent,omitempty" yaml:"permanent,omitempty"`
	Order         string     `json:"order,omitempty" yaml:"order,omitempty"`
	RefreshPeriod string     `json:"refresh_period,omitempty" yaml:"refresh_period,omitempty"`
	PingInterval  string     `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	PingTimeout   string     `json:"ping_timeout,omitempty" yaml:"ping_timeout,omitempty"`
	MaxRetries    int        `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// FilterSpec is the wire form of the job filters. All set fields must
// match.
type FilterSpec struct {
	MinSize        int64    `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize        int64    `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	States         []string `json:"states,omitempty" yaml:"states,omitempty"`
	IdleFor        string   `json:"idle_for,omitempty" yaml:"idle_for,omitempty"`
	Sticky         *bool    `json:"sticky,omitempty" yaml:"sticky,omitempty"`
	StickyOwner    string   `json:"sticky_owner,omitempty" yaml:"sticky_owner,omitempty"`
	IDs            []string `json:"ids,omitempty" yaml:"ids,omitempty"`
	StorageClasses []string `json:"storage_classes,omitempty" yaml:"storage_classes,omitempty"`
}

// Filter builds the composed filter.
func (s FilterSpec) Filter() (Filter, error) {
	var f And
	if s.MinSize != 0 || s.MaxSize != 0 {
		if s.MinSize < 0 || (s.MaxSize != 0 && s.MaxSize <= s.MinSize) {
			return nil, fmt.Errorf("%w: size range [%d,%d)", ErrInvalidJob, s.MinSize, s.MaxSize)
		}
		f = append(f, SizeRange{Min: s.MinSize, Max: s.MaxSize})
	}
	if len(s.States) > 0 {
		states := make(StateIn, 0, len(s.States))
		for _, name := range s.States {
			st, err := repository.ParseState(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
			}
			states = append(states, st)
		}
		f = append(f, states)
	}
	if s.IdleFor != "" {
		d, err := time.ParseDuration(s.IdleFor)
		if err != nil {
			return nil, fmt.Errorf("%w: idle_for: %w", ErrInvalidJob, err)
		}
		f = append(f, IdleFor(d))
	}
	if s.Sticky != nil {
		f = append(f, Sticky(*s.Sticky))
	}
	if s.StickyOwner != "" {
		f = append(f, StickyOwner(s.StickyOwner))
	}
	if len(s.IDs) > 0 {
		f = append(f, NewIDIn(s.IDs...))
	}
	if len(s.StorageClasses) > 0 {
		f = append(f, StorageClassIn(s.StorageClasses))
	}
	return f, nil
}

// Definition converts the spec. Zero fields take the defaults.
func (s Spec) Definition() (Definition, error) {
	filter, err := s.Filters.Filter()
	if err != nil {
		return Definition{}, err
	}
	sourceMode := SourceMode(s.SourceMode)
	if sourceMode == "move" {
		sourceMode = SourceDelete
	}
	d := Definition{
		Targets:     s.Targets,
		Filter:      filter,
		SourceMode:  sourceMode,
		TargetMode:  TargetMode(s.TargetMode),
		Concurrency: s.Concurrency,
		Permanent:   s.Permanent,
		Order:       Order(s.Order),
		MaxRetries:  s.MaxRetries,
	}
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"refresh_period", s.RefreshPeriod, &d.RefreshPeriod},
		{"ping_interval", s.PingInterval, &d.PingInterval},
		{"ping_timeout", s.PingTimeout, &d.PingTimeout},
	}
	for _, dur := range durations {
		if dur.in == "" {
			continue
		}
		v, err := time.ParseDuration(dur.in)
		if err != nil {
			return Definition{}, fmt.Errorf("%w: %s: %w", ErrInvalidJob, dur.name, err)
		}
		*dur.out = v
	}
	return d, nil
}
