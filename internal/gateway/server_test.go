package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoplane/livechat/internal/config"
	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/logging"
	"github.com/shoplane/livechat/internal/store"
)

const testToken = "test-token-123"

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Auth.Token = testToken

	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	agents := store.NewAgentRegistry(db)
	sessions := store.NewSessionStore(db, agents, log)
	messages := store.NewMessageLog(db)

	srv := New(cfg, agents, sessions, messages, log)

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func seedAgent(t *testing.T, srv *Server, name string, maxChats int, tags ...string) *domain.Agent {
	t.Helper()
	a, err := srv.agents.Create(domain.Agent{
		Name:               name,
		MaxConcurrentChats: maxChats,
		SpecialtyTags:      tags,
	})
	require.NoError(t, err)
	return a
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// connect dials and completes the handshake as the given principal.
func connect(t *testing.T, ts *httptest.Server, p Principal) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "connect.challenge", challenge.Event)

	req, err := NewRequest("connect-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Principal:   p,
		Auth:        &ConnectAuth{Token: testToken},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.NotNil(t, hello.OK)
	require.True(t, *hello.OK, "handshake must succeed: %+v", hello.Error)
	return conn
}

func userConn(t *testing.T, ts *httptest.Server, userID int64) *websocket.Conn {
	return connect(t, ts, Principal{Role: "user", UserID: userID})
}

func agentConn(t *testing.T, ts *httptest.Server, agentID int64) *websocket.Conn {
	return connect(t, ts, Principal{Role: "agent", AgentID: agentID})
}

var reqSeq int

// rpc sends a request and returns its response, skipping any event frames
// that arrive first.
func rpc(t *testing.T, conn *websocket.Conn, method string, params any) Frame {
	t.Helper()
	reqSeq++
	id := fmt.Sprintf("req-%d", reqSeq)
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	for {
		var resp Frame
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.Type == FrameTypeEvent {
			continue
		}
		require.Equal(t, id, resp.ID)
		return resp
	}
}

func rpcOK(t *testing.T, conn *websocket.Conn, method string, params any, out any) {
	t.Helper()
	resp := rpc(t, conn, method, params)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK, "expected success, got %+v", resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Payload, out))
	}
}

func rpcErr(t *testing.T, conn *websocket.Conn, method string, params any) *ErrorShape {
	t.Helper()
	resp := rpc(t, conn, method, params)
	require.NotNil(t, resp.OK)
	require.False(t, *resp.OK, "expected error, got %s", string(resp.Payload))
	require.NotNil(t, resp.Error)
	return resp.Error
}

// awaitEvent reads frames until the named event arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for event %s", event)
		if f.Type == FrameTypeEvent && f.Event == event {
			return f.Payload
		}
	}
}

// --- HTTP surface ---

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status; details need an authenticated RPC
	assert.Empty(t, health.Version)
	assert.Zero(t, health.Clients)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- Handshake ---

func TestHandshakeSuccess(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, FrameTypeEvent, challenge.Type)
	assert.Equal(t, "connect.challenge", challenge.Event)

	req, err := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Principal:   Principal{Role: "user", UserID: 100},
		Auth:        &ConnectAuth{Token: testToken},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Equal(t, "req-1", resp.ID)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(resp.Payload, &hello))
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, "session.create")
	assert.Contains(t, hello.Features.Events, "message.new")
	assert.Greater(t, hello.Policy.MaxPayload, 0)
}

func TestHandshakeWrongToken(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	req, _ := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Principal:   Principal{Role: "user", UserID: 100},
		Auth:        &ConnectAuth{Token: "wrong-token"},
	})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)
}

func TestHandshakeMalformedPrincipal(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	// user role without a userId
	req, _ := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Principal:   Principal{Role: "user"},
		Auth:        &ConnectAuth{Token: testToken},
	})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)
}

// --- RPC surface ---

func TestRPCHealth(t *testing.T) {
	_, ts := testServer(t)
	conn := userConn(t, ts, 100)

	var health HealthResponse
	rpcOK(t, conn, "health", nil, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
}

func TestRPCUnknownMethod(t *testing.T) {
	_, ts := testServer(t)
	conn := userConn(t, ts, 100)

	errShape := rpcErr(t, conn, "nonexistent.method", nil)
	assert.Equal(t, "method_not_found", errShape.Code)
}

func TestSessionCreate_NoAgentsQueues(t *testing.T) {
	_, ts := testServer(t)
	conn := userConn(t, ts, 100)

	var result struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, conn, "session.create", sessionCreateParams{Channel: "web"}, &result)
	assert.Equal(t, domain.SessionQueued, result.Session.Status)
	assert.Zero(t, result.Session.AgentID)
	assert.NotEmpty(t, result.Session.SessionKey)

	// The user is told they are waiting
	payload := awaitEvent(t, conn, "notification")
	var note struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(payload, &note))
	assert.Equal(t, "queued", note.Type)
	assert.NotEmpty(t, note.Message)
}

func TestSessionCreate_AssignsConnectedAgent(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)

	ac := agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var result struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &result)
	assert.Equal(t, domain.SessionActive, result.Session.Status)
	assert.Equal(t, a.ID, result.Session.AgentID)

	// The assigned agent hears about it in its own room
	payload := awaitEvent(t, ac, "session.assigned")
	var assigned map[string]any
	require.NoError(t, json.Unmarshal(payload, &assigned))
	assert.Equal(t, float64(result.Session.ID), assigned["sessionId"])
}

func TestSessionCreate_AgentRoleForbidden(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	ac := agentConn(t, ts, a.ID)

	errShape := rpcErr(t, ac, "session.create", sessionCreateParams{})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestAgentConnect_DrainsQueue(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)

	uc := userConn(t, ts, 100)
	var result struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &result)
	require.Equal(t, domain.SessionQueued, result.Session.Status)

	// Agent coming online drains the queue; the waiting user sees the
	// assignment as an event
	agentConn(t, ts, a.ID)

	payload := awaitEvent(t, uc, "session.assigned")
	var assigned map[string]any
	require.NoError(t, json.Unmarshal(payload, &assigned))
	assert.Equal(t, float64(result.Session.ID), assigned["sessionId"])
	assert.Equal(t, float64(a.ID), assigned["agentId"])
}

func TestChatSendAndHistory(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	ac := agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	sessID := created.Session.ID

	// Agent joins the session room to receive live messages
	rpcOK(t, ac, "session.join", sessionJoinParams{SessionID: sessID}, nil)

	var sent struct {
		Message domain.Message `json:"message"`
	}
	rpcOK(t, uc, "chat.send", chatSendParams{SessionID: sessID, Content: "hello"}, &sent)
	assert.Equal(t, domain.SenderUser, sent.Message.SenderType)
	assert.Equal(t, "hello", sent.Message.Content)

	payload := awaitEvent(t, ac, "message.new")
	var evt struct {
		Message domain.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, sent.Message.ID, evt.Message.ID)

	var page domain.MessagePage
	rpcOK(t, uc, "chat.history", chatHistoryParams{SessionID: sessID}, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
	assert.False(t, page.HasMore)
}

func TestChatRead(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	ac := agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	sessID := created.Session.ID

	rpcOK(t, ac, "session.join", sessionJoinParams{SessionID: sessID}, nil)
	rpcOK(t, uc, "chat.send", chatSendParams{SessionID: sessID, Content: "anyone there?"}, nil)

	var unread struct {
		Unread int `json:"unread"`
	}
	rpcOK(t, ac, "chat.unread", chatUnreadParams{SessionID: sessID}, &unread)
	assert.Equal(t, 1, unread.Unread)

	var marked struct {
		Marked int64 `json:"marked"`
	}
	rpcOK(t, ac, "chat.read", chatReadParams{SessionID: sessID}, &marked)
	assert.Equal(t, int64(1), marked.Marked)

	// The other side observes the read receipt
	payload := awaitEvent(t, uc, "message.read")
	var evt map[string]any
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, "agent", evt["reader"])

	rpcOK(t, ac, "chat.unread", chatUnreadParams{SessionID: sessID}, &unread)
	assert.Equal(t, 0, unread.Unread)
}

func TestChatTyping_NoEcho(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	ac := agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	sessID := created.Session.ID
	rpcOK(t, ac, "session.join", sessionJoinParams{SessionID: sessID}, nil)

	rpcOK(t, uc, "chat.typing", chatTypingParams{SessionID: sessID, IsTyping: true}, nil)

	payload := awaitEvent(t, ac, "user.typing")
	var evt map[string]any
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, true, evt["isTyping"])
	assert.Equal(t, "user", evt["role"])
}

func TestChatTyping_RequiresMembership(t *testing.T) {
	_, ts := testServer(t)
	uc := userConn(t, ts, 100)

	errShape := rpcErr(t, uc, "chat.typing", chatTypingParams{SessionID: 42, IsTyping: true})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestSessionClose(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)

	var closed struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.close", sessionCloseParams{SessionID: created.Session.ID}, &closed)
	assert.Equal(t, domain.SessionClosed, closed.Session.Status)
	assert.Equal(t, domain.CloseUserLeft, closed.Session.CloseReason)

	// Closing again is idempotent and keeps the first reason
	rpcOK(t, uc, "session.close", sessionCloseParams{
		SessionID: created.Session.ID,
		Reason:    domain.CloseResolved,
	}, &closed)
	assert.Equal(t, domain.CloseUserLeft, closed.Session.CloseReason)
}

func TestSessionClose_OtherUsersForbidden(t *testing.T) {
	_, ts := testServer(t)
	owner := userConn(t, ts, 100)
	stranger := userConn(t, ts, 200)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, owner, "session.create", sessionCreateParams{Channel: "web"}, &created)

	errShape := rpcErr(t, stranger, "session.close", sessionCloseParams{SessionID: created.Session.ID})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestSessionTransfer(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	b := seedAgent(t, srv, "Bob", 3)

	ac := agentConn(t, ts, a.ID)
	agentConn(t, ts, b.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	require.Equal(t, domain.SessionActive, created.Session.Status)
	fromID := created.Session.AgentID

	toID := a.ID
	transferrer := ac
	if fromID == a.ID {
		toID = b.ID
	} else {
		// Session landed on Bob; only Bob may hand it off
		transferrer = connect(t, ts, Principal{Role: "agent", AgentID: b.ID})
		toID = a.ID
	}

	var moved struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, transferrer, "session.transfer", sessionTransferParams{
		SessionID: created.Session.ID,
		ToAgentID: toID,
		Reason:    "specialty",
	}, &moved)
	assert.Equal(t, toID, moved.Session.AgentID)
	assert.Equal(t, domain.SessionActive, moved.Session.Status)
}

func TestSessionTransfer_NotYourSession(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	b := seedAgent(t, srv, "Bob", 3)

	// Only Alice online, session lands on her
	agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	require.Equal(t, a.ID, created.Session.AgentID)

	bc := agentConn(t, ts, b.ID)
	errShape := rpcErr(t, bc, "session.transfer", sessionTransferParams{
		SessionID: created.Session.ID,
		ToAgentID: b.ID,
	})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestSessionRate(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	agentConn(t, ts, a.ID)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)
	rpcOK(t, uc, "session.close", sessionCloseParams{SessionID: created.Session.ID}, nil)

	var rated struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.rate", sessionRateParams{
		SessionID: created.Session.ID,
		Rating:    5,
		Comment:   "solved it",
	}, &rated)
	assert.Equal(t, 5, rated.Session.Rating)

	errShape := rpcErr(t, uc, "session.rate", sessionRateParams{
		SessionID: created.Session.ID,
		Rating:    6,
	})
	assert.Equal(t, "invalid_params", errShape.Code)
}

func TestSessionList_ScopedToCaller(t *testing.T) {
	_, ts := testServer(t)
	uc1 := userConn(t, ts, 100)
	uc2 := userConn(t, ts, 200)

	rpcOK(t, uc1, "session.create", sessionCreateParams{Channel: "web"}, nil)
	rpcOK(t, uc2, "session.create", sessionCreateParams{Channel: "web"}, nil)

	var listed struct {
		Sessions []domain.Session `json:"sessions"`
	}
	rpcOK(t, uc1, "session.list", sessionListParams{}, &listed)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, int64(100), listed.Sessions[0].UserID)
}

func TestSessionStats_ManagerOnly(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Boss", 3)

	uc := userConn(t, ts, 100)
	errShape := rpcErr(t, uc, "session.stats", sessionStatsParams{})
	assert.Equal(t, "forbidden", errShape.Code)

	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, nil)

	mc := connect(t, ts, Principal{Role: "manager", AgentID: a.ID})
	var result struct {
		Stats domain.Statistics `json:"stats"`
	}
	rpcOK(t, mc, "session.stats", sessionStatsParams{}, &result)
	assert.GreaterOrEqual(t, result.Stats.Total, 1)
}

func TestAgentStatus(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)
	ac := agentConn(t, ts, a.ID)

	rpcOK(t, ac, "agent.status", agentStatusParams{Status: domain.AgentBusy}, nil)

	got, err := srv.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, got.Status)

	errShape := rpcErr(t, ac, "agent.status", agentStatusParams{Status: "away"})
	assert.Equal(t, "invalid_params", errShape.Code)
}

func TestAgentStatus_UserForbidden(t *testing.T) {
	_, ts := testServer(t)
	uc := userConn(t, ts, 100)

	errShape := rpcErr(t, uc, "agent.status", agentStatusParams{Status: domain.AgentOnline})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestSessionJoin_ByKey(t *testing.T) {
	_, ts := testServer(t)
	uc := userConn(t, ts, 100)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)

	// Same user from a second device joins by key
	uc2 := userConn(t, ts, 100)
	var joined struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc2, "session.join", sessionJoinParams{SessionKey: created.Session.SessionKey}, &joined)
	assert.Equal(t, created.Session.ID, joined.Session.ID)

	// The first device observes the join
	payload := awaitEvent(t, uc, "user.joined")
	var evt map[string]any
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, float64(created.Session.ID), evt["sessionId"])
}

func TestSessionJoin_StrangerForbidden(t *testing.T) {
	_, ts := testServer(t)
	uc := userConn(t, ts, 100)
	stranger := userConn(t, ts, 200)

	var created struct {
		Session domain.Session `json:"session"`
	}
	rpcOK(t, uc, "session.create", sessionCreateParams{Channel: "web"}, &created)

	errShape := rpcErr(t, stranger, "session.join", sessionJoinParams{SessionID: created.Session.ID})
	assert.Equal(t, "forbidden", errShape.Code)
}

func TestAgentDisconnect_GoesOffline(t *testing.T) {
	srv, ts := testServer(t)
	a := seedAgent(t, srv, "Alice", 3)

	ac := agentConn(t, ts, a.ID)
	ac.Close()

	require.Eventually(t, func() bool {
		got, err := srv.agents.Get(a.ID)
		return err == nil && got.Status == domain.AgentOffline
	}, 2*time.Second, 20*time.Millisecond)
}
