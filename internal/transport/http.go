package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MessagePath is the HTTP path messages are posted to.
const MessagePath = "/api/pool/message"

const maxMessageSize = 64 << 20

// HTTPConfig contains configuration for an HTTPTransport.
type HTTPConfig struct {
	// Name is this node's address (host:port) as seen by other nodes.
	Name    string
	Logger  zerolog.Logger
	Scheme  string        // default "http"
	Timeout time.Duration // default 30s, applied when ctx has no deadline

	RateLimit float64 // incoming messages per second (default 1000)
	RateBurst int     // default 2000
}

// HTTPTransport posts JSON messages to other nodes and serves incoming
// messages through ServeHTTP.
type HTTPTransport struct {
	name       string
	scheme     string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter

	handlerMu sync.RWMutex
	handler   Handler

	logger zerolog.Logger
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 2000
	}
	return &HTTPTransport{
		name:    cfg.Name,
		scheme:  cfg.Scheme,
		timeout: cfg.Timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  cfg.Logger.With().Str("component", "http-transport").Logger(),
	}
}

// Name returns this node's address.
func (t *HTTPTransport) Name() string {
	return t.name
}

// RegisterHandler sets the handler for incoming messages.
func (t *HTTPTransport) RegisterHandler(h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// Send posts msg to dest and waits for the reply.
func (t *HTTPTransport) Send(ctx context.Context, dest string, msg *Message) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s://%s%s", t.scheme, dest, MessagePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	t.logger.Debug().
		Str("dest", dest).
		Str("type", string(msg.Type)).
		Str("id", msg.ID).
		Int("size", len(data)).
		Msg("Sending message")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifySendError(dest, msg, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, classifySendError(dest, msg, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s %s: %w", dest, msg.Type, ErrRateLimited)
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", dest, msg.Type, resp.StatusCode, string(body))
	}

	var reply Message
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%s %s: decode reply: %w", dest, msg.Type, err)
	}
	if err := reply.Err(); err != nil {
		return &reply, err
	}
	return &reply, nil
}

func classifySendError(dest string, msg *Message, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s %s: %w: %w", dest, msg.Type, msg.ID, ErrUnknownOutcome, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s %s %s: %w: %w", dest, msg.Type, msg.ID, ErrUnknownOutcome, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%s: %w: %w", dest, ErrUnreachable, err)
	}
	return fmt.Errorf("%s %s %s: %w: %w", dest, msg.Type, msg.ID, ErrUnknownOutcome, err)
}

// ServeHTTP handles messages posted to MessagePath.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !t.limiter.Allow() {
		t.logger.Warn().Str("remote", r.RemoteAddr).Msg("Rate limit exceeded, dropping message")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}

	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()

	reply := dispatch(r.Context(), t.name, h, &msg)
	if reply.Error != "" {
		t.logger.Debug().
			Str("from", msg.From).
			Str("type", string(msg.Type)).
			Str("error", reply.Error).
			Msg("Message handler failed")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to write reply")
	}
}

var _ Transport = (*HTTPTransport)(nil)
