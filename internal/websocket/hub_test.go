package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
)

type staticMembers map[string][]string

func (m staticMembers) IsMember(_ context.Context, boardID, userID string) (bool, error) {
	for _, u := range m[boardID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, staticMembers{"board-1": {"alice"}}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != MessageTypePing {
			return msg
		}
	}
}

func TestHubDeliversToMembers(t *testing.T) {
	hub, url := startHub(t)

	conn := dial(t, url+"?user=alice")
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, BoardID: "board-1"}))
	ack := readMessage(t, conn)
	require.Equal(t, MessageTypeSubscribed, ack.Type)

	event := domain.NewMessageEvent{BoardID: "board-1", CardID: "card-1", MessageID: "m1", Subject: "Invoice"}
	require.NoError(t, hub.PublishNewMessage(context.Background(), event))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeNewMessage, msg.Type)
	var got domain.NewMessageEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "card-1", got.CardID)
	assert.Equal(t, "Invoice", got.Subject)
}

func TestHubRejectsNonMembers(t *testing.T) {
	_, url := startHub(t)

	conn := dial(t, url+"?user=mallory")
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, BoardID: "board-1"}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, "board-1")
}

func TestHubRequiresUser(t *testing.T) {
	_, url := startHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, staticMembers{}, zap.NewNop())
	// Hub 未运行时队列可以缓冲
	assert.NoError(t, hub.PublishNewMessage(context.Background(), domain.NewMessageEvent{BoardID: "b"}))
	hub.Deliver(domain.NewMessageEvent{BoardID: "b"})
}
