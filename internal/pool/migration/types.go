// Package migration copies or moves replicas from the local pool to other
// pools. A job enumerates the local replicas through a filter, picks a
// destination for each from its target list, streams the data and finally
// applies its source mode to the local replica.
package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

// State is the lifecycle state of a job.
type State int

const (
	Running State = iota
	Suspended
	Cancelling
	Cancelled
	Completed
	Failed
)

var stateNames = [...]string{
	Running:    "RUNNING",
	Suspended:  "SUSPENDED",
	Cancelling: "CANCELLING",
	Cancelled:  "CANCELLED",
	Completed:  "COMPLETED",
	Failed:     "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether the job has finished.
func (s State) IsTerminal() bool {
	return s == Cancelled || s == Completed || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// BeginRequest asks a destination pool to prepare a replica.
type BeginRequest struct {
	ID           string                    `json:"id"`
	Source       string                    `json:"source"`
	Size         int64                     `json:"size"`
	StorageClass string                    `json:"storage_class,omitempty"`
	State        repository.State          `json:"state"`
	Sticky       []repository.StickyRecord `json:"sticky,omitempty"`
}

// Destinations starts transfers to other pools.
type Destinations interface {
	// Begin reserves space on pool and creates the incoming replica. It
	// fails with ErrReplicaExists if the pool already holds a readable copy.
	Begin(ctx context.Context, pool string, req BeginRequest) (Transfer, error)
}

// Transfer is one replica being written to a destination pool.
type Transfer interface {
	Write(ctx context.Context, off int64, p []byte) error
	// Commit asks the destination to verify checksum and make the
	// replica readable.
	Commit(ctx context.Context, checksum uint64) error
	// Abort discards the incoming replica and releases its space. It
	// reports committed when the destination had already committed.
	Abort(ctx context.Context) (committed bool, err error)
	Ping(ctx context.Context) error
}

// ReplicaReader reads local replica data.
type ReplicaReader interface {
	ReadAt(id string, p []byte, off int64) (int, error)
}

// Stats counts a job's progress.
type Stats struct {
	Total            int   `json:"total"`
	Completed        int   `json:"completed"`
	Skipped          int   `json:"skipped"`
	Failed           int   `json:"failed"`
	Queued           int   `json:"queued"`
	Running          int   `json:"running"`
	Attempts         int   `json:"attempts"`
	BytesTotal       int64 `json:"bytes_total"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// ErrorRecord is one recent per-entry failure.
type ErrorRecord struct {
	Time  time.Time `json:"time"`
	ID    string    `json:"id"`
	Pool  string    `json:"pool,omitempty"`
	Error string    `json:"error"`
}

// maxRecentErrors bounds the per-job error list.
const maxRecentErrors = 15

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	SourcePool  string        `json:"source_pool"`
	Targets     []string      `json:"targets"`
	TargetsErr  string        `json:"targets_error,omitempty"`
	Filter      string        `json:"filter"`
	SourceMode  SourceMode    `json:"source_mode"`
	TargetMode  TargetMode    `json:"target_mode"`
	Concurrency int           `json:"concurrency"`
	Permanent   bool          `json:"permanent,omitempty"`
	Forced      bool          `json:"forced,omitempty"`
	Failure     string        `json:"failure,omitempty"`
	Created     time.Time     `json:"created"`
	Finished    time.Time     `json:"finished,omitempty"`
	Stats       Stats         `json:"stats"`
	Errors      []ErrorRecord `json:"errors,omitempty"`
}
