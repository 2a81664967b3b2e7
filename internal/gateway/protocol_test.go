package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	f, err := NewRequest("req-1", "session.create", map[string]any{"channel": "web"})
	require.NoError(t, err)
	assert.Equal(t, FrameTypeRequest, f.Type)
	assert.Equal(t, "req-1", f.ID)
	assert.Equal(t, "session.create", f.Method)

	var params map[string]any
	require.NoError(t, json.Unmarshal(f.Params, &params))
	assert.Equal(t, "web", params["channel"])
}

func TestNewResponse(t *testing.T) {
	f, err := NewResponse("req-1", map[string]int{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, FrameTypeResponse, f.Type)
	require.NotNil(t, f.OK)
	assert.True(t, *f.OK)
	assert.Nil(t, f.Error)
}

func TestNewErrorResponse(t *testing.T) {
	f := NewErrorResponse("req-1", ErrorShape{Code: "not_found", Message: "gone"})
	assert.Equal(t, FrameTypeResponse, f.Type)
	require.NotNil(t, f.OK)
	assert.False(t, *f.OK)
	require.NotNil(t, f.Error)
	assert.Equal(t, "not_found", f.Error.Code)
}

func TestNewEvent(t *testing.T) {
	f, err := NewEvent("message.new", map[string]any{"id": 1}, 42)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, "message.new", f.Event)
	assert.Equal(t, int64(42), f.Seq)
}

func TestFrameRoundTrip(t *testing.T) {
	orig, err := NewRequest("req-9", "chat.send", chatSendParams{SessionID: 7, Content: "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, orig.Type, decoded.Type)
	assert.Equal(t, orig.ID, decoded.ID)
	assert.Equal(t, orig.Method, decoded.Method)

	var p chatSendParams
	require.NoError(t, json.Unmarshal(decoded.Params, &p))
	assert.Equal(t, int64(7), p.SessionID)
	assert.Equal(t, "hi", p.Content)
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "session:7", SessionRoom(7))
	assert.Equal(t, "agent:3", AgentRoom(3))
	assert.Equal(t, "agents", RoomAgents)
}
