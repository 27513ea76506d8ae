package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
)

// APIError is a non-2xx response from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %s (%d)", e.Message, e.Status)
}

// Client talks to an admin server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the admin server at addr, which may be
// host:port or a full URL.
func NewClient(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			e.Message = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PoolInfo returns the pool status.
func (c *Client) PoolInfo(ctx context.Context) (pool.Info, error) {
	var info pool.Info
	err := c.do(ctx, http.MethodGet, "/api/v1/pool", nil, &info)
	return info, err
}

// SetMode changes the pool mode.
func (c *Client) SetMode(ctx context.Context, m string) (pool.Info, error) {
	var info pool.Info
	err := c.do(ctx, http.MethodPut, "/api/v1/pool/mode", ModeRequest{Mode: m}, &info)
	return info, err
}

// SetTotalSpace changes the pool capacity.
func (c *Client) SetTotalSpace(ctx context.Context, total string) (space.Usage, error) {
	var u space.Usage
	err := c.do(ctx, http.MethodPut, "/api/v1/pool/space", SpaceRequest{Total: total}, &u)
	return u, err
}

// Replicas lists replicas, optionally only those in state.
func (c *Client) Replicas(ctx context.Context, state string) ([]repository.Entry, error) {
	path := "/api/v1/replicas"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var entries []repository.Entry
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

// Replica returns one replica.
func (c *Client) Replica(ctx context.Context, id string) (repository.Entry, error) {
	var e repository.Entry
	err := c.do(ctx, http.MethodGet, "/api/v1/replicas/"+url.PathEscape(id), nil, &e)
	return e, err
}

// RemoveReplica removes a replica.
func (c *Client) RemoveReplica(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/replicas/"+url.PathEscape(id), nil, nil)
}

// AddSticky pins a replica for owner. An empty lifetime never expires.
func (c *Client) AddSticky(ctx context.Context, id, owner, lifetime string) (repository.Entry, error) {
	var e repository.Entry
	err := c.do(ctx, http.MethodPost, "/api/v1/replicas/"+url.PathEscape(id)+"/sticky",
		StickyRequest{Owner: owner, Lifetime: lifetime}, &e)
	return e, err
}

// RemoveSticky drops owner's sticky record.
func (c *Client) RemoveSticky(ctx context.Context, id, owner string) (repository.Entry, error) {
	var e repository.Entry
	err := c.do(ctx, http.MethodDelete,
		"/api/v1/replicas/"+url.PathEscape(id)+"/sticky/"+url.PathEscape(owner), nil, &e)
	return e, err
}

// Migrations lists the migration jobs.
func (c *Client) Migrations(ctx context.Context) ([]migration.JobInfo, error) {
	var jobs []migration.JobInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/migrations", nil, &jobs)
	return jobs, err
}

// StartMigration starts a migration job.
func (c *Client) StartMigration(ctx context.Context, spec migration.Spec) (migration.JobInfo, error) {
	var info migration.JobInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/migrations", spec, &info)
	return info, err
}

// Migration returns one migration job.
func (c *Client) Migration(ctx context.Context, id string) (migration.JobInfo, error) {
	var info migration.JobInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/migrations/"+url.PathEscape(id), nil, &info)
	return info, err
}

// MigrationAction runs cancel, cancel-force, suspend, resume, refresh or
// clear on a job. Clear returns a zero JobInfo.
func (c *Client) MigrationAction(ctx context.Context, id, action string) (migration.JobInfo, error) {
	var info migration.JobInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/migrations/"+url.PathEscape(id)+"/"+action, nil, &info)
	return info, err
}

// SetConcurrency changes a job's concurrency.
func (c *Client) SetConcurrency(ctx context.Context, id string, n int) (migration.JobInfo, error) {
	var info migration.JobInfo
	err := c.do(ctx, http.MethodPut, "/api/v1/migrations/"+url.PathEscape(id)+"/concurrency",
		ConcurrencyRequest{Concurrency: n}, &info)
	return info, err
}

// Pools lists the pools known to a manager.
func (c *Client) Pools(ctx context.Context) ([]PoolSummary, error) {
	var pools []PoolSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/pools", nil, &pools)
	return pools, err
}

// Pool returns a manager's latest cost snapshot for one pool.
func (c *Client) Pool(ctx context.Context, name string) (cost.PoolCostInfo, error) {
	var info cost.PoolCostInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/pools/"+url.PathEscape(name), nil, &info)
	return info, err
}
