package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthStream_URL(t *testing.T) {
	d := NewDepthStream(DepthStreamConfig{Symbol: "BTCUSDT"}, nil)
	u, err := d.URL()
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt%40depth20%40100ms", u)

	_, err = NewDepthStream(DepthStreamConfig{}, nil).URL()
	assert.Error(t, err)
}

func TestDepthStream_ReceivesSnapshots(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgs := []string{
			`garbage`,
			`{"stream":"btcusdt@depth20@100ms","data":{"bids":[["100.0","1"]],"asks":[["100.2","1"]]}}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewDepthStream(DepthStreamConfig{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:   "BTCUSDT",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case snap := <-d.Updates():
		assert.Equal(t, "BTCUSDT", snap.Symbol)
		assert.InDelta(t, 100.1, snap.Mid, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot received")
	}

	ev := <-d.Connectivity()
	assert.True(t, ev.Connected)
	assert.True(t, d.Connected())
	latest, ok := d.Latest()
	require.True(t, ok)
	assert.Equal(t, 100.0, latest.BestBid)
	msgs, parseErrs := d.Stats()
	assert.Equal(t, uint64(2), msgs)
	assert.Equal(t, uint64(1), parseErrs)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
	assert.False(t, d.Connected())
}
