package gateway

import (
	"time"

	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/events"
	"github.com/shoplane/livechat/internal/store"
)

// registerRPCHandlers sets up all frame method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("agent.status", s.rpcAgentStatus)
	s.Handle("session.create", s.rpcSessionCreate)
	s.Handle("session.join", s.rpcSessionJoin)
	s.Handle("session.list", s.rpcSessionList)
	s.Handle("session.close", s.rpcSessionClose)
	s.Handle("session.transfer", s.rpcSessionTransfer)
	s.Handle("session.rate", s.rpcSessionRate)
	s.Handle("session.stats", s.rpcSessionStats)
	s.Handle("chat.send", s.rpcChatSend)
	s.Handle("chat.typing", s.rpcChatTyping)
	s.Handle("chat.read", s.rpcChatRead)
	s.Handle("chat.history", s.rpcChatHistory)
	s.Handle("chat.unread", s.rpcChatUnread)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	queueLen, err := s.sessions.QueueLength()
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(HealthResponse{
		Status:      "ok",
		Version:     s.version,
		Clients:     s.clients.Count(),
		QueueLength: queueLen,
	})
}

type agentStatusParams struct {
	Status domain.AgentStatus `json:"status"`
}

func (s *Server) rpcAgentStatus(rc *RequestContext) {
	if !rc.Client.Principal.IsAgent() {
		rc.RespondError("forbidden", "agent role required")
		return
	}

	var p agentStatusParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	agentID := rc.Client.Principal.AgentID
	if err := s.agents.SetStatus(agentID, p.Status); err != nil {
		rc.RespondDomainError(err)
		return
	}

	s.broadcastAgentStatus(agentID, p.Status)
	if p.Status == domain.AgentOnline {
		s.drainQueue()
	}
	rc.Respond(map[string]any{"agentId": agentID, "status": p.Status})
}

type sessionCreateParams struct {
	Channel      string            `json:"channel,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SpecialtyTag string            `json:"specialtyTag,omitempty"`
}

// rpcSessionCreate opens a session for the connected user and immediately
// tries to find an agent. No agent available is a successful "queued"
// acknowledgment, never an error.
func (s *Server) rpcSessionCreate(rc *RequestContext) {
	if rc.Client.Principal.Role != "user" {
		rc.RespondError("forbidden", "user role required")
		return
	}

	var p sessionCreateParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.SpecialtyTag != "" {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		p.Metadata["specialtyTag"] = p.SpecialtyTag
	}

	sess, err := s.sessions.Create(rc.Client.Principal.UserID, p.Channel, p.Priority, p.Metadata)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	s.rooms.Join(SessionRoom(sess.ID), rc.Client)

	assigned, err := s.sessions.AutoAssign(sess.ID, p.SpecialtyTag)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(map[string]any{"session": assigned})

	if assigned.Status == domain.SessionActive {
		s.announceAssignment(assigned)
	} else {
		s.notify(rc.Client, "queued", "all agents are busy, you are in the queue", map[string]any{
			"sessionId": assigned.ID,
		})
	}
}

type sessionJoinParams struct {
	SessionID  int64  `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (s *Server) rpcSessionJoin(rc *RequestContext) {
	var p sessionJoinParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	var sess *domain.Session
	var err error
	switch {
	case p.SessionKey != "":
		sess, err = s.sessions.GetByKey(p.SessionKey)
	case p.SessionID != 0:
		sess, err = s.sessions.Get(p.SessionID)
	default:
		rc.RespondError("invalid_params", "sessionId or sessionKey is required")
		return
	}
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	if !s.canAccess(rc.Client.Principal, sess) {
		rc.RespondError("forbidden", "not a participant of this session")
		return
	}

	s.rooms.Join(SessionRoom(sess.ID), rc.Client)
	s.emit(SessionRoom(sess.ID), "user.joined", map[string]any{
		"sessionId": sess.ID,
		"role":      rc.Client.Principal.Role,
		"userId":    rc.Client.Principal.UserID,
		"agentId":   rc.Client.Principal.AgentID,
	}, rc.Client.ConnID)

	rc.Respond(map[string]any{"session": sess})
}

type sessionListParams struct {
	Status domain.SessionStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// rpcSessionList returns sessions scoped to the caller: users see their
// own, agents see theirs, managers see everything.
func (s *Server) rpcSessionList(rc *RequestContext) {
	var p sessionListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	filter := domain.SessionFilter{Status: p.Status, Limit: p.Limit, Offset: p.Offset}
	switch rc.Client.Principal.Role {
	case "user":
		filter.UserID = rc.Client.Principal.UserID
	case "agent":
		filter.AgentID = rc.Client.Principal.AgentID
	}

	sessions, err := s.sessions.List(filter)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(map[string]any{"sessions": sessions})
}

type sessionCloseParams struct {
	SessionID int64              `json:"sessionId"`
	Reason    domain.CloseReason `json:"reason,omitempty"`
}

func (s *Server) rpcSessionClose(rc *RequestContext) {
	var p sessionCloseParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	if p.Reason == "" {
		if rc.Client.Principal.IsAgent() {
			p.Reason = domain.CloseAgentClosed
		} else {
			p.Reason = domain.CloseUserLeft
		}
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	if !s.canAccess(rc.Client.Principal, sess) {
		rc.RespondError("forbidden", "not a participant of this session")
		return
	}

	closed, err := s.sessions.Close(p.SessionID, p.Reason)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	s.NotifySessionClosed(closed)
	rc.Respond(map[string]any{"session": closed})
}

type sessionTransferParams struct {
	SessionID int64  `json:"sessionId"`
	ToAgentID int64  `json:"toAgentId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) rpcSessionTransfer(rc *RequestContext) {
	if !rc.Client.Principal.IsAgent() {
		rc.RespondError("forbidden", "agent role required")
		return
	}

	var p sessionTransferParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	// Agents hand off their own sessions; managers can move anyone's.
	if rc.Client.Principal.Role == "agent" && sess.AgentID != rc.Client.Principal.AgentID {
		rc.RespondError("forbidden", "session is not assigned to you")
		return
	}

	transferred, err := s.sessions.Transfer(p.SessionID, sess.AgentID, p.ToAgentID, p.Reason)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	payload := map[string]any{
		"sessionId":   transferred.ID,
		"fromAgentId": sess.AgentID,
		"toAgentId":   transferred.AgentID,
		"reason":      p.Reason,
	}
	s.emit(SessionRoom(transferred.ID), "session.transferred", payload, "")
	s.emit(AgentRoom(transferred.AgentID), "session.transferred", payload, "")
	s.publish(events.TypeSessionTransferred, payload)

	rc.Respond(map[string]any{"session": transferred})
}

type sessionRateParams struct {
	SessionID int64    `json:"sessionId"`
	Rating    int      `json:"rating"`
	Comment   string   `json:"comment,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (s *Server) rpcSessionRate(rc *RequestContext) {
	if rc.Client.Principal.Role != "user" {
		rc.RespondError("forbidden", "user role required")
		return
	}

	var p sessionRateParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	if sess.UserID != rc.Client.Principal.UserID {
		rc.RespondError("forbidden", "not your session")
		return
	}

	rated, err := s.sessions.Rate(p.SessionID, p.Rating, p.Comment, p.Tags)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	s.publish(events.TypeSessionRated, map[string]any{
		"sessionId": rated.ID,
		"agentId":   rated.AgentID,
		"rating":    rated.Rating,
		"comment":   rated.Comment,
		"tags":      rated.Tags,
	})
	rc.Respond(map[string]any{"session": rated})
}

type sessionStatsParams struct {
	SinceHours int `json:"sinceHours,omitempty"`
}

func (s *Server) rpcSessionStats(rc *RequestContext) {
	if rc.Client.Principal.Role != "manager" {
		rc.RespondError("forbidden", "manager role required")
		return
	}

	var p sessionStatsParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.SinceHours <= 0 {
		p.SinceHours = 24
	}

	until := time.Now().UTC()
	since := until.Add(-time.Duration(p.SinceHours) * time.Hour)
	stats, err := s.sessions.Stats(since, until)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(map[string]any{"stats": stats})
}

type chatSendParams struct {
	SessionID   int64               `json:"sessionId"`
	Content     string              `json:"content"`
	MessageType domain.MessageType  `json:"messageType,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

// rpcChatSend persists the message first and fans it out after; delivery
// never precedes the durable write.
func (s *Server) rpcChatSend(rc *RequestContext) {
	var p chatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	if !s.canAccess(rc.Client.Principal, sess) {
		rc.RespondError("forbidden", "not a participant of this session")
		return
	}

	senderType := domain.SenderUser
	senderID := rc.Client.Principal.UserID
	if rc.Client.Principal.IsAgent() {
		senderType = domain.SenderAgent
		senderID = rc.Client.Principal.AgentID
	}

	msg, err := s.messages.Append(store.AppendParams{
		SessionID:   p.SessionID,
		SenderType:  senderType,
		SenderID:    senderID,
		Content:     p.Content,
		MessageType: p.MessageType,
		Attachments: p.Attachments,
		Metadata:    p.Metadata,
	})
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	s.emit(SessionRoom(p.SessionID), "message.new", map[string]any{"message": msg}, "")

	if msg.MessageType == domain.MessageQuickReply {
		s.publish(events.TypeQuickReplyUsed, map[string]any{
			"sessionId":  msg.SessionID,
			"messageId":  msg.ID,
			"templateId": msg.Metadata["templateId"],
			"agentId":    senderID,
		})
	}

	rc.Respond(map[string]any{"message": msg})
}

type chatTypingParams struct {
	SessionID int64 `json:"sessionId"`
	IsTyping  bool  `json:"isTyping"`
}

// rpcChatTyping is pure fan-out; nothing is persisted and the sender never
// sees its own typing echo.
func (s *Server) rpcChatTyping(rc *RequestContext) {
	var p chatTypingParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	room := SessionRoom(p.SessionID)
	if !s.rooms.In(room, rc.Client.ConnID) {
		rc.RespondError("forbidden", "join the session first")
		return
	}

	s.emit(room, "user.typing", map[string]any{
		"sessionId": p.SessionID,
		"role":      rc.Client.Principal.Role,
		"isTyping":  p.IsTyping,
	}, rc.Client.ConnID)
	rc.Respond(map[string]any{"ok": true})
}

type chatReadParams struct {
	SessionID int64 `json:"sessionId"`
}

func (s *Server) rpcChatRead(rc *RequestContext) {
	var p chatReadParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	if !s.canAccess(rc.Client.Principal, sess) {
		rc.RespondError("forbidden", "not a participant of this session")
		return
	}

	reader := domain.SenderUser
	if rc.Client.Principal.IsAgent() {
		reader = domain.SenderAgent
	}

	n, err := s.messages.MarkSessionRead(p.SessionID, reader)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}

	if n > 0 {
		s.emit(SessionRoom(p.SessionID), "message.read", map[string]any{
			"sessionId": p.SessionID,
			"reader":    reader,
			"count":     n,
		}, rc.Client.ConnID)
	}
	rc.Respond(map[string]any{"marked": n})
}

type chatHistoryParams struct {
	SessionID       int64 `json:"sessionId"`
	Limit           int   `json:"limit,omitempty"`
	BeforeMessageID int64 `json:"beforeMessageId,omitempty"`
}

func (s *Server) rpcChatHistory(rc *RequestContext) {
	var p chatHistoryParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sess, err := s.sessions.Get(p.SessionID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	if !s.canAccess(rc.Client.Principal, sess) {
		rc.RespondError("forbidden", "not a participant of this session")
		return
	}

	page, err := s.messages.Page(p.SessionID, p.Limit, p.BeforeMessageID)
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(page)
}

type chatUnreadParams struct {
	SessionID int64 `json:"sessionId,omitempty"`
}

// rpcChatUnread returns badge counts: per session when sessionId is given,
// otherwise aggregated across the principal's sessions.
func (s *Server) rpcChatUnread(rc *RequestContext) {
	var p chatUnreadParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	reader := domain.SenderUser
	if rc.Client.Principal.IsAgent() {
		reader = domain.SenderAgent
	}

	if p.SessionID != 0 {
		n, err := s.messages.UnreadCount(p.SessionID, reader)
		if err != nil {
			rc.RespondDomainError(err)
			return
		}
		rc.Respond(map[string]any{"unread": n})
		return
	}

	var n int
	var err error
	if reader == domain.SenderUser {
		n, err = s.messages.UserUnreadCount(rc.Client.Principal.UserID)
	} else {
		n, err = s.messages.AgentUnreadCount(rc.Client.Principal.AgentID)
	}
	if err != nil {
		rc.RespondDomainError(err)
		return
	}
	rc.Respond(map[string]any{"unread": n})
}

// canAccess reports whether a principal may touch a session: users only
// their own, agent-side principals any.
func (s *Server) canAccess(p Principal, sess *domain.Session) bool {
	if p.IsAgent() {
		return true
	}
	return sess.UserID == p.UserID
}
