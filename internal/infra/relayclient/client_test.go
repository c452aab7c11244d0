package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
	"github.com/aegis-sign/authzsigner/internal/relay"
)

// fakeGateway 模拟中继网关的 JSON-RPC 面。
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ws       *websocket.Conn
	inits    int
	sessions []relay.Record
	requests []json.RawMessage
	mode     string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, mode: "approve"}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) send(v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.ws.WriteJSON(v)
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.ws = ws
	g.mu.Unlock()
	for {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case methodInit:
			g.mu.Lock()
			g.inits++
			g.mu.Unlock()
			reply["result"] = true
		case methodPairings:
			reply["result"] = []relay.Pairing{{Topic: "pairing-1", Active: true}}
		case methodSessions:
			g.mu.Lock()
			reply["result"] = g.sessions
			g.mu.Unlock()
		case methodConnect:
			reply["result"] = connectResult{URI: "wc:pairing-1@2?relay-protocol=irn&symKey=ab", PairingTopic: "pairing-1"}
			if g.mode == "early" {
				rec := relay.Record{Topic: "session-1", EstablishedSeq: 1}
				g.send(map[string]any{"jsonrpc": "2.0", "method": eventApproved, "params": approvedEvent{PairingTopic: "pairing-1", Session: rec}})
			}
			g.send(reply)
			switch g.mode {
			case "approve":
				rec := relay.Record{
					Topic:          "session-1",
					EstablishedSeq: 1,
					Namespaces: map[string]relay.Namespace{
						relay.NamespaceCosmos: {Accounts: []string{"cosmos:neutron-1:neutron1abc"}},
					},
				}
				g.mu.Lock()
				g.sessions = append(g.sessions, rec)
				g.mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				g.send(map[string]any{"jsonrpc": "2.0", "method": eventApproved, "params": approvedEvent{PairingTopic: "pairing-1", Session: rec}})
			case "reject":
				g.send(map[string]any{"jsonrpc": "2.0", "method": eventRejected, "params": rejectedEvent{PairingTopic: "pairing-1"}})
			}
			continue
		case methodRequest:
			g.mu.Lock()
			g.requests = append(g.requests, req.Params)
			g.mu.Unlock()
			var p requestParams
			_ = json.Unmarshal(req.Params, &p)
			if p.Request.Method == relay.MethodSignDirect {
				reply["error"] = map[string]any{"code": 5000, "message": "Request rejected"}
			} else {
				reply["result"] = []map[string]string{{"address": "neutron1abc", "algo": "secp256k1"}}
			}
		case methodDisconnect:
			var p disconnectParams
			_ = json.Unmarshal(req.Params, &p)
			reply["result"] = true
			g.send(reply)
			g.send(map[string]any{"jsonrpc": "2.0", "method": eventDelete, "params": deleteEvent{Topic: p.Topic}})
			continue
		}
		g.send(reply)
	}
}

func dialTest(t *testing.T, g *fakeGateway, reg *prometheus.Registry) *Client {
	cfg := DefaultConfig()
	cfg.Conn.URL = g.url()
	cfg.RateLimit = 0
	c, err := Dial(context.Background(), cfg, WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectDeliversApproval(t *testing.T) {
	g := newFakeGateway(t)
	reg := prometheus.NewRegistry()
	c := dialTest(t, g, reg)

	conn, err := c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(conn.URI, "wc:pairing-1@2"))

	select {
	case approval := <-conn.Approval:
		require.NoError(t, approval.Err)
		require.Equal(t, "session-1", approval.Record.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("approval not delivered")
	}
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.approvals.WithLabelValues("approved")))

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	pairings, err := c.Pairings(context.Background())
	require.NoError(t, err)
	require.Len(t, pairings, 1)
}

func TestConnectRejected(t *testing.T) {
	g := newFakeGateway(t)
	g.mode = "reject"
	c := dialTest(t, g, prometheus.NewRegistry())

	conn, err := c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	approval := <-conn.Approval
	var reqErr *relay.RequestError
	require.ErrorAs(t, approval.Err, &reqErr)
	require.Equal(t, "Request rejected", reqErr.Message)
}

func TestRequestMapsWalletErrors(t *testing.T) {
	g := newFakeGateway(t)
	c := dialTest(t, g, prometheus.NewRegistry())

	var accounts []map[string]string
	require.NoError(t, c.Request(context.Background(), "session-1", relay.MethodGetAccounts, map[string]any{}, &accounts))
	require.Equal(t, "neutron1abc", accounts[0]["address"])

	err := c.Request(context.Background(), "session-1", relay.MethodSignDirect, map[string]any{}, nil)
	var reqErr *relay.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, 5000, reqErr.Code)

	g.mu.Lock()
	defer g.mu.Unlock()
	var p requestParams
	require.NoError(t, json.Unmarshal(g.requests[0], &p))
	require.Equal(t, "session-1", p.Topic)
	require.Equal(t, relay.MethodGetAccounts, p.Request.Method)
}

func TestMapErrSeparatesGatewayFromWallet(t *testing.T) {
	c := &Client{}
	var reqErr *relay.RequestError

	err := c.mapErr(&rpcconn.Error{Code: 4001, Message: "Request rejected"}, relay.MethodSignDirect)
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, 4001, reqErr.Code)

	err = c.mapErr(&rpcconn.Error{Code: -32000, Message: "User denied", Data: json.RawMessage(`{"source":"wallet"}`)}, relay.MethodSignDirect)
	require.ErrorAs(t, err, &reqErr)

	err = c.mapErr(&rpcconn.Error{Code: -32603, Message: "no matching session for topic"}, relay.MethodSignDirect)
	require.False(t, errors.As(err, &reqErr))
	require.Contains(t, err.Error(), "gateway error")

	err = c.mapErr(&rpcconn.Error{Code: -32000, Message: "busy", Data: json.RawMessage(`{"source":"gateway"}`)}, relay.MethodSignDirect)
	require.False(t, errors.As(err, &reqErr))

	err = c.mapErr(&rpcconn.Error{Code: codeUnknownTopic, Message: "no matching session for topic"}, relay.MethodSignDirect)
	require.ErrorIs(t, err, relay.ErrSessionNotFound)
	require.False(t, errors.As(err, &reqErr))
}

func TestDisconnectTriggersSessionDelete(t *testing.T) {
	g := newFakeGateway(t)
	c := dialTest(t, g, prometheus.NewRegistry())

	deleted := make(chan string, 1)
	c.OnSessionDelete(func(topic string) { deleted <- topic })
	require.NoError(t, c.Disconnect(context.Background(), "session-1", relay.ReasonUserDisconnected))
	select {
	case topic := <-deleted:
		require.Equal(t, "session-1", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("session_delete not delivered")
	}
}

func TestApprovalTimeoutAndClose(t *testing.T) {
	g := newFakeGateway(t)
	g.mode = "silent"
	cfg := DefaultConfig()
	cfg.Conn.URL = g.url()
	cfg.ApprovalTimeout = 20 * time.Millisecond
	c, err := Dial(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	conn, err := c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	approval := <-conn.Approval
	require.ErrorIs(t, approval.Err, ErrApprovalTimeout)

	c.cfg.ApprovalTimeout = time.Hour
	conn, err = c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	approval = <-conn.Approval
	require.ErrorIs(t, approval.Err, relay.ErrClosed)
}

func TestEarlyApprovalIsKept(t *testing.T) {
	g := newFakeGateway(t)
	g.mode = "early"
	c := dialTest(t, g, prometheus.NewRegistry())

	conn, err := c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	approval := <-conn.Approval
	require.NoError(t, approval.Err)
	require.Equal(t, "session-1", approval.Record.Topic)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.early)
}

func TestLateAnswerWithoutWaiterIsDropped(t *testing.T) {
	g := newFakeGateway(t)
	g.mode = "silent"
	c := dialTest(t, g, prometheus.NewRegistry())

	rec := relay.Record{Topic: "session-9"}
	c.deliver("pairing-stale", relay.Approval{Record: &rec}, "approved")
	c.deliver("pairing-stale-2", relay.Approval{Err: &relay.RequestError{Code: 5000, Message: "Request rejected"}}, "rejected")
	c.mu.Lock()
	require.Empty(t, c.early)
	c.mu.Unlock()

	c.cfg.ApprovalTimeout = 20 * time.Millisecond
	conn, err := c.Connect(context.Background(), relay.CosmosRequirements("neutron-1"))
	require.NoError(t, err)
	approval := <-conn.Approval
	require.ErrorIs(t, approval.Err, ErrApprovalTimeout)
}
