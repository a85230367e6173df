package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xwordcollab/backend/internal/v1/auth"
)

func newTestServer(t *testing.T, b *Broker, signer *auth.TokenSigner) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/signaling", func(c *gin.Context) {
		b.ServeWS(c, nil, nil, signer)
	})
	return httptest.NewServer(router)
}

func dialWS(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, map[string]any) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signaling?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))
	return conn, welcome
}

func TestServeWS_IssuesWelcomeWithReconnectToken(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())
	signer := auth.NewTokenSigner(strings.Repeat("x", 32))

	srv := newTestServer(t, b, signer)
	defer srv.Close()

	conn, welcome := dialWS(t, srv, "room=room1")
	defer conn.Close()

	assert.Equal(t, "welcome", welcome["type"])
	assert.NotEmpty(t, welcome["visitorId"])
	assert.NotEmpty(t, welcome["reconnectToken"])
}

func TestServeWS_ReattachesWithValidReconnectToken(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())
	signer := auth.NewTokenSigner(strings.Repeat("y", 32))

	srv := newTestServer(t, b, signer)
	defer srv.Close()

	conn1, welcome := dialWS(t, srv, "room=room1")
	token, _ := welcome["reconnectToken"].(string)
	require.NotEmpty(t, token)
	conn1.Close()
	time.Sleep(50 * time.Millisecond)

	conn2, welcome2 := dialWS(t, srv, "room=room1&reconnect_token="+token)
	defer conn2.Close()

	assert.Equal(t, welcome["visitorId"], welcome2["visitorId"])
}

func TestServeWS_RejectsInvalidReconnectToken(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())
	signer := auth.NewTokenSigner(strings.Repeat("z", 32))

	srv := newTestServer(t, b, signer)
	defer srv.Close()

	conn, welcome := dialWS(t, srv, "room=room1&reconnect_token=not-a-real-token")
	defer conn.Close()

	assert.NotEmpty(t, welcome["visitorId"])
}

func TestServeWS_MissingRoomRejected(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown(context.Background())

	srv := newTestServer(t, b, nil)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signaling"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
