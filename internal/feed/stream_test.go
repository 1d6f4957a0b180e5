package feed

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

func TestParseTrade(t *testing.T) {
	tick, ok, err := parseTrade([]byte(`{"e":"trade","E":1700000000100,"s":"BTCEUR","t":1,"p":"65000.12000000","q":"0.001","T":1700000000000,"m":true}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tick.Price.Equal(price("65000.12")))
	assert.Equal(t, int64(1700000000000), tick.Time.UnixMilli())

	_, ok, err = parseTrade([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, ok, "non-trade frames are skipped")

	_, _, err = parseTrade([]byte(`{"e":"trade","p":"abc"}`))
	assert.Error(t, err)

	_, _, err = parseTrade([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamSource_EmitsTrades(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","s":"BTCEUR","p":"65000.12","T":1700000000000}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	baseURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	src := NewStreamSource(baseURL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan Tick, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, "BTC/EUR", func(t Tick) { ticks <- t })
	}()

	tick := receive(t, ticks)
	assert.True(t, tick.Price.Equal(price("65000.12")))
	assert.Equal(t, "/ws/btceur@trade", <-paths)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream source did not stop")
	}
}

func TestStreamSource_ReturnsErrorWhenServerDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	src := NewStreamSource("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	err := src.Run(context.Background(), "ETH/EUR", func(Tick) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
}
