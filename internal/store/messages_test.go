package store

import (
	"fmt"
	"testing"

	"github.com/shoplane/livechat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, sessions *SessionStore, userID int64) *domain.Session {
	t.Helper()
	sess, err := sessions.Create(userID, "web", 0, nil)
	require.NoError(t, err)
	return sess
}

func TestMessageLog_Append(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	msg, err := messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderUser,
		SenderID:   100,
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, domain.MessageText, msg.MessageType)
	assert.False(t, msg.IsRead)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestMessageLog_Append_Validation(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	_, err := messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: "bot",
		Content:    "hi",
	})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderUser,
	})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = messages.Append(AppendParams{
		SessionID:  999,
		SenderType: domain.SenderUser,
		Content:    "hi",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessageLog_Append_AttachmentOnly(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	msg, err := messages.Append(AppendParams{
		SessionID:   sess.ID,
		SenderType:  domain.SenderUser,
		SenderID:    100,
		MessageType: domain.MessageImage,
		Attachments: []domain.Attachment{{URL: "https://cdn/img.png", Filename: "img.png"}},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "img.png", msg.Attachments[0].Filename)
}

func TestMessageLog_Append_TouchesSession(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	before, err := sessions.Get(sess.ID)
	require.NoError(t, err)

	_, err = messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderUser,
		SenderID:   100,
		Content:    "ping",
	})
	require.NoError(t, err)

	after, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, after.LastActive.Before(before.LastActive))
}

func TestMessageLog_Page(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	for i := 1; i <= 7; i++ {
		_, err := messages.Append(AppendParams{
			SessionID:  sess.ID,
			SenderType: domain.SenderUser,
			SenderID:   100,
			Content:    fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	page, err := messages.Page(sess.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, 7, page.Total)
	assert.True(t, page.HasMore)
	// Chronological within the page, newest page first
	assert.Equal(t, "msg 5", page.Messages[0].Content)
	assert.Equal(t, "msg 7", page.Messages[2].Content)

	older, err := messages.Page(sess.ID, 3, page.Messages[0].ID)
	require.NoError(t, err)
	require.Len(t, older.Messages, 3)
	assert.Equal(t, "msg 2", older.Messages[0].Content)
	assert.Equal(t, "msg 4", older.Messages[2].Content)
	assert.True(t, older.HasMore)

	oldest, err := messages.Page(sess.ID, 3, older.Messages[0].ID)
	require.NoError(t, err)
	require.Len(t, oldest.Messages, 1)
	assert.Equal(t, "msg 1", oldest.Messages[0].Content)
	assert.False(t, oldest.HasMore)
}

func TestMessageLog_Page_Empty(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	page, err := messages.Page(sess.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, 0, page.Total)
	assert.False(t, page.HasMore)
}

func TestMessageLog_MarkRead(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	msg, err := messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderAgent,
		SenderID:   1,
		Content:    "hi",
	})
	require.NoError(t, err)

	read, err := messages.MarkRead(msg.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	// Marking again keeps the original read timestamp
	again, err := messages.MarkRead(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, read.ReadAt.Unix(), again.ReadAt.Unix())
}

func TestMessageLog_MarkSessionRead_Asymmetry(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	append := func(sender domain.SenderType, content string) {
		_, err := messages.Append(AppendParams{
			SessionID:  sess.ID,
			SenderType: sender,
			SenderID:   1,
			Content:    content,
		})
		require.NoError(t, err)
	}
	append(domain.SenderUser, "from user")
	append(domain.SenderUser, "from user again")
	append(domain.SenderAgent, "from agent")
	append(domain.SenderSystem, "from system")

	// A user read covers agent and system messages, never their own
	n, err := messages.MarkSessionRead(sess.ID, domain.SenderUser)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := messages.UnreadCount(sess.ID, domain.SenderAgent)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining, "user messages stay unread for the agent")

	n, err = messages.MarkSessionRead(sess.ID, domain.SenderAgent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMessageLog_MarkSessionRead_InvalidReader(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	_, err := messages.MarkSessionRead(sess.ID, domain.SenderSystem)
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestMessageLog_UserUnreadCount(t *testing.T) {
	agents, sessions, messages := testStores(t)
	a := onlineAgent(t, agents, "Alice", 5)

	open := seedSession(t, sessions, 100)
	closed := seedSession(t, sessions, 100)
	_, err := sessions.Assign(closed.ID, a.ID)
	require.NoError(t, err)

	for _, id := range []int64{open.ID, closed.ID} {
		_, err := messages.Append(AppendParams{
			SessionID:  id,
			SenderType: domain.SenderAgent,
			SenderID:   a.ID,
			Content:    "hello",
		})
		require.NoError(t, err)
	}

	n, err := messages.UserUnreadCount(100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Closed sessions drop out of the badge count
	_, err = sessions.Close(closed.ID, domain.CloseResolved)
	require.NoError(t, err)

	n, err = messages.UserUnreadCount(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageLog_AgentUnreadCount(t *testing.T) {
	agents, sessions, messages := testStores(t)
	a := onlineAgent(t, agents, "Alice", 5)

	sess := seedSession(t, sessions, 100)
	_, err := sessions.Assign(sess.ID, a.ID)
	require.NoError(t, err)

	_, err = messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderUser,
		SenderID:   100,
		Content:    "help me",
	})
	require.NoError(t, err)

	n, err := messages.AgentUnreadCount(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageLog_Search(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	for _, content := range []string{"refund please", "shipping status", "refund processed"} {
		_, err := messages.Append(AppendParams{
			SessionID:  sess.ID,
			SenderType: domain.SenderUser,
			SenderID:   100,
			Content:    content,
		})
		require.NoError(t, err)
	}

	hits, err := messages.Search(domain.MessageSearch{Keyword: "refund"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = messages.Search(domain.MessageSearch{Keyword: "refund", SenderType: domain.SenderAgent})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = messages.Search(domain.MessageSearch{})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestMessageLog_Search_EscapesWildcards(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	for _, content := range []string{"100% sure", "100 items"} {
		_, err := messages.Append(AppendParams{
			SessionID:  sess.ID,
			SenderType: domain.SenderUser,
			SenderID:   100,
			Content:    content,
		})
		require.NoError(t, err)
	}

	hits, err := messages.Search(domain.MessageSearch{Keyword: "100%"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "100% sure", hits[0].Content)
}

func TestMessageLog_SoftDelete(t *testing.T) {
	_, sessions, messages := testStores(t)
	sess := seedSession(t, sessions, 100)

	msg, err := messages.Append(AppendParams{
		SessionID:  sess.ID,
		SenderType: domain.SenderUser,
		SenderID:   100,
		Content:    "oops secret",
	})
	require.NoError(t, err)

	require.NoError(t, messages.SoftDelete(msg.ID))

	got, err := messages.Get(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)

	// Deleted messages never surface in search
	hits, err := messages.Search(domain.MessageSearch{Keyword: "secret"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// But the row keeps its place in history
	page, err := messages.Page(sess.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestMessageLog_SoftDelete_NotFound(t *testing.T) {
	_, _, messages := testStores(t)
	assert.ErrorIs(t, messages.SoftDelete(999), domain.ErrNotFound)
}
