package domain

import "time"

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageFile       MessageType = "file"
	MessageLink       MessageType = "link"
	MessageQuickReply MessageType = "quick_reply"
	MessageSystem     MessageType = "system"
)

// Attachment is a file or media reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one unit of conversation content. Messages are immutable
// after creation except for the read-state transition and soft deletion.
type Message struct {
	ID          int64             `json:"id"`
	SessionID   int64             `json:"sessionId"`
	SenderType  SenderType        `json:"senderType"`
	SenderID    int64             `json:"senderId"`
	Content     string            `json:"content"`
	MessageType MessageType       `json:"messageType"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsRead      bool              `json:"isRead"`
	ReadAt      *time.Time        `json:"readAt,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// MessagePage is one window of backward-paginated session history,
// returned in chronological order.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// MessageSearch scopes a content search.
type MessageSearch struct {
	Keyword    string
	SessionID  int64
	SenderType SenderType
	After      time.Time
	Before     time.Time
	Limit      int
}
