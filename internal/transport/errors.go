package transport

import (
	"errors"
	"fmt"
	"sync"
)

// Transport errors.
var (
	// ErrUnknownOutcome means no reply arrived in time. The request may or
	// may not have been applied by the receiver.
	ErrUnknownOutcome = errors.New("message outcome unknown")
	ErrUnreachable    = errors.New("destination unreachable")
	ErrNoHandler      = errors.New("no handler registered")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnknownType    = errors.New("unknown message type")
	ErrBadVersion     = errors.New("unsupported protocol version")
)

type codeEntry struct {
	code     string
	sentinel error
}

var (
	codesMu sync.RWMutex
	codes   []codeEntry
)

// RegisterError assigns a wire code to a sentinel error so that a
// RemoteError carrying the code matches the sentinel with errors.Is.
func RegisterError(code string, sentinel error) {
	codesMu.Lock()
	defer codesMu.Unlock()
	for i := range codes {
		if codes[i].code == code {
			codes[i].sentinel = sentinel
			return
		}
	}
	codes = append(codes, codeEntry{code: code, sentinel: sentinel})
}

func init() {
	RegisterError("unknown_type", ErrUnknownType)
	RegisterError("bad_version", ErrBadVersion)
	RegisterError("rate_limited", ErrRateLimited)
	RegisterError("no_handler", ErrNoHandler)
}

// CodeOf returns the wire code of the first registered sentinel err
// matches, or "".
func CodeOf(err error) string {
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error reported by the receiver of a message.
type RemoteError struct {
	From    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.From, e.Message)
}

// Is matches the sentinel registered for the error's code.
func (e *RemoteError) Is(target error) bool {
	if e.Code == "" {
		return false
	}
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if c.code == e.Code {
			return c.sentinel == target
		}
	}
	return false
}
