package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestMissing = errors.New("thing missing")

func init() {
	RegisterError("test_missing", errTestMissing)
}

type echoPayload struct {
	Text string `json:"text"`
}

func echoMux(self string) *Mux {
	mux := NewMux()
	mux.Handle(TypeCostRequest, func(ctx context.Context, msg *Message) (*Message, error) {
		var p echoPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return msg.Reply(self, echoPayload{Text: strings.ToUpper(p.Text)})
	})
	mux.Handle(TypeNsLookup, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, errTestMissing
	})
	mux.Handle(TypeP2PPing, func(ctx context.Context, msg *Message) (*Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return mux
}

func TestMessage_ReplyKeepsID(t *testing.T) {
	msg, err := NewMessage("a", TypeCostRequest, echoPayload{Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, ProtocolVersion, msg.Version)

	reply, err := msg.Reply("b", echoPayload{Text: "HI"})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, reply.ID)
	assert.Equal(t, "b", reply.From)
	assert.NoError(t, reply.Err())

	errReply := msg.ErrorReply("b", errTestMissing)
	err = errReply.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, errTestMissing)
}

func TestMux_UnknownType(t *testing.T) {
	mux := NewMux()
	msg, err := NewMessage("a", TypeSetMode, struct{}{})
	require.NoError(t, err)

	_, err = mux.Serve(context.Background(), msg)
	assert.ErrorIs(t, err, ErrUnknownType)

	msg.Version = 99
	_, err = mux.Serve(context.Background(), msg)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestBroker(t *testing.T) {
	b := NewBroker()
	client := b.Endpoint("client")
	server := b.Endpoint("server")
	server.RegisterHandler(echoMux("server").Serve)
	ctx := context.Background()

	t.Run("call", func(t *testing.T) {
		var out echoPayload
		require.NoError(t, Call(ctx, client, "server", TypeCostRequest, echoPayload{Text: "hi"}, &out))
		assert.Equal(t, "HI", out.Text)
	})

	t.Run("remote error", func(t *testing.T) {
		err := Call(ctx, client, "server", TypeNsLookup, struct{}{}, nil)
		assert.ErrorIs(t, err, errTestMissing)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "server", remote.From)
	})

	t.Run("unreachable", func(t *testing.T) {
		err := Call(ctx, client, "nobody", TypeCostRequest, echoPayload{}, nil)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("timeout is unknown outcome", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := Call(tctx, client, "server", TypeP2PPing, struct{}{}, nil)
		assert.ErrorIs(t, err, ErrUnknownOutcome)
	})

	t.Run("blackhole", func(t *testing.T) {
		b.Blackhole("server")
		defer b.Restore("server")
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := Call(tctx, client, "server", TypeCostRequest, echoPayload{}, nil)
		assert.ErrorIs(t, err, ErrUnknownOutcome)
	})

	t.Run("no handler", func(t *testing.T) {
		err := Call(ctx, server, "client", TypeCostRequest, echoPayload{}, nil)
		assert.ErrorIs(t, err, ErrNoHandler)
	})
}

func TestHTTPTransport(t *testing.T) {
	server := NewHTTPTransport(HTTPConfig{Name: "server", Logger: zerolog.Nop()})
	server.RegisterHandler(echoMux("server").Serve)
	ts := httptest.NewServer(server)
	defer ts.Close()

	dest := strings.TrimPrefix(ts.URL, "http://")
	client := NewHTTPTransport(HTTPConfig{Name: "client", Logger: zerolog.Nop()})
	ctx := context.Background()

	var out echoPayload
	require.NoError(t, Call(ctx, client, dest, TypeCostRequest, echoPayload{Text: "over http"}, &out))
	assert.Equal(t, "OVER HTTP", out.Text)

	err := Call(ctx, client, dest, TypeNsLookup, struct{}{}, nil)
	assert.ErrorIs(t, err, errTestMissing)

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = Call(tctx, client, dest, TypeP2PPing, struct{}{}, nil)
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestHTTPTransport_RateLimit(t *testing.T) {
	server := NewHTTPTransport(HTTPConfig{Name: "server", Logger: zerolog.Nop(), RateLimit: 0.001, RateBurst: 1})
	server.RegisterHandler(echoMux("server").Serve)
	ts := httptest.NewServer(server)
	defer ts.Close()

	dest := strings.TrimPrefix(ts.URL, "http://")
	client := NewHTTPTransport(HTTPConfig{Name: "client", Logger: zerolog.Nop()})

	require.NoError(t, Call(context.Background(), client, dest, TypeCostRequest, echoPayload{}, nil))
	err := Call(context.Background(), client, dest, TypeCostRequest, echoPayload{}, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPTransport_RejectsGet(t *testing.T) {
	server := NewHTTPTransport(HTTPConfig{Name: "server", Logger: zerolog.Nop()})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MessagePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
