package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/pkg/dto"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub()
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
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

func event(identityID uuid.UUID) *dto.WSEvent {
	return &dto.WSEvent{Type: "presence", Data: dto.PresenceResponse{ID: uuid.New(), IdentityID: identityID, Tags: []string{}}}
}

func TestBroadcastReachesFilteredClients(t *testing.T) {
	hub, url := startHub(t)
	alice, bob := uuid.New(), uuid.New()

	all := dial(t, url)
	onlyBob := dial(t, url+"?identity_id="+bob.String())
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastPresence(event(alice))
	hub.BroadcastPresence(event(bob))

	var got dto.WSEvent
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := all.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, alice, got.Data.IdentityID)

	require.NoError(t, onlyBob.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err = onlyBob.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, bob, got.Data.IdentityID)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
