package migration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

func TestFilters(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := repository.Entry{
		ID:             "f1",
		State:          repository.Precious,
		Size:           500,
		StorageClass:   "tape",
		LastAccessTime: now.Add(-2 * time.Hour),
		Sticky:         []repository.StickyRecord{{Owner: "user", Expires: now.Add(time.Hour)}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty and", And{}, true},
		{"size in range", SizeRange{Min: 500, Max: 501}, true},
		{"size max exclusive", SizeRange{Max: 500}, false},
		{"size unbounded", SizeRange{Min: 1}, true},
		{"state match", StateIn{repository.Cached, repository.Precious}, true},
		{"state mismatch", StateIn{repository.Cached}, false},
		{"idle long enough", IdleFor(time.Hour), true},
		{"not idle", IdleFor(3 * time.Hour), false},
		{"sticky", Sticky(true), true},
		{"not sticky", Sticky(false), false},
		{"owner", StickyOwner("user"), true},
		{"other owner", StickyOwner("pin"), false},
		{"id", NewIDIn("f2", "f1"), true},
		{"other id", NewIDIn("f2"), false},
		{"class", StorageClassIn{"disk", "tape"}, true},
		{"other class", StorageClassIn{"disk"}, false},
		{"and mismatch", And{SizeRange{Min: 1}, StateIn{repository.Cached}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Accept(e, now), tt.filter.String())
		})
	}

	assert.False(t, Sticky(true).Accept(e, now.Add(2*time.Hour)), "expired sticky record")
}

func TestFilterSpec(t *testing.T) {
	sticky := false
	f, err := FilterSpec{
		MaxSize: 1000,
		States:  []string{"cached"},
		IdleFor: "1h",
		Sticky:  &sticky,
	}.Filter()
	require.NoError(t, err)

	now := time.Now()
	e := repository.Entry{State: repository.Cached, Size: 10, LastAccessTime: now.Add(-2 * time.Hour)}
	assert.True(t, f.Accept(e, now))
	e.Size = 1000
	assert.False(t, f.Accept(e, now))

	_, err = FilterSpec{MinSize: 10, MaxSize: 5}.Filter()
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = FilterSpec{States: []string{"bogus"}}.Filter()
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = FilterSpec{IdleFor: "soon"}.Filter()
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestSpecDefinition(t *testing.T) {
	d, err := Spec{
		Targets:      []string{"b", "c"},
		SourceMode:   "move",
		PingInterval: "1m",
		PingTimeout:  "20s",
	}.Definition()
	require.NoError(t, err)
	assert.Equal(t, SourceDelete, d.SourceMode)
	assert.Equal(t, time.Minute, d.PingInterval)
	assert.Equal(t, 20*time.Second, d.PingTimeout)

	d.SourcePool = "a"
	d.applyDefaults()
	require.NoError(t, d.Validate())
	assert.Equal(t, DefaultConcurrency, d.Concurrency)
	assert.Equal(t, []string{DefaultPinOwner}, d.PinOwners)

	_, err = Spec{Targets: []string{"b"}, RefreshPeriod: "often"}.Definition()
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestTargetState(t *testing.T) {
	d := Definition{TargetMode: TargetSame}
	assert.Equal(t, repository.Precious, d.targetState(repository.Precious))
	d.TargetMode = TargetCached
	assert.Equal(t, repository.Cached, d.targetState(repository.Precious))
	d.TargetMode = TargetPrecious
	assert.Equal(t, repository.Precious, d.targetState(repository.Cached))
}
