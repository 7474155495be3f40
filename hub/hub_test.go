package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	FPS  int    `json:"fps"`
	Risk string `json:"risk"`
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { h.ServeWS(c.Writer, c.Request) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestBroadcast(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.PublishStatus(status{FPS: 12, Risk: "violation"})
	msg := readJSON(t, conn)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, float64(12), msg["fps"])
	assert.Equal(t, "violation", msg["risk"])

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	h.PublishFrame(jpeg)
	msg = readJSON(t, conn)
	assert.Equal(t, "frame", msg["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(jpeg), msg["image"])
	assert.Equal(t, jpeg, h.LatestJPEG())
}

func TestLateViewerGetsLatestState(t *testing.T) {
	h, url := startHub(t)
	h.PublishStatus(status{FPS: 3})
	h.PublishFrame([]byte{1, 2, 3})

	conn := dial(t, url)
	assert.Equal(t, "status", readJSON(t, conn)["type"])
	assert.Equal(t, "frame", readJSON(t, conn)["type"])
}

func TestViewerLeaves(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPublishWithoutViewers(t *testing.T) {
	h := New()
	for i := 0; i < 100; i++ {
		h.PublishFrame([]byte{byte(i)})
	}
	assert.Equal(t, []byte{99}, h.LatestJPEG())
}
