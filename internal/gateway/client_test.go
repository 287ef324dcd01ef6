package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdis/gateway/internal/protocol"
)

func TestClient_RequestFailsSynchronouslyWhenNotReady(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:0/"})
	_, err := c.Request(context.Background(), protocol.MethodHealth, nil, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_HandshakeAndRequest(t *testing.T) {
	ts := startTestServer(t, Config{Version: "1.2.3"})

	helloCh := make(chan *protocol.HelloOkFrame, 1)
	c := NewClient(ClientOptions{
		URL:     ts.url,
		Name:    "test-client",
		Version: "1.0",
		OnHelloOk: func(h *protocol.HelloOkFrame) {
			helloCh <- h
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	t.Cleanup(c.Stop)

	select {
	case h := <-helloCh:
		assert.Equal(t, "1.2.3", h.Server.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hello-ok")
	}
	require.True(t, c.IsReady())

	payload, err := c.Request(context.Background(), protocol.MethodHealth, nil, false)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "ok", m["status"])
}

func TestClient_SequenceGapDetection(t *testing.T) {
	var gaps []GapInfo
	c := NewClient(ClientOptions{
		OnGap: func(g GapInfo) { gaps = append(gaps, g) },
	})

	send := func(seq int64) {
		data, _ := json.Marshal(protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: protocol.EventTick, Seq: seq})
		c.handleMessage(data)
	}

	send(1)
	send(2)
	send(3)
	assert.Empty(t, gaps, "no gap expected for consecutive sequence numbers")

	send(7)
	require.Len(t, gaps, 1)
	assert.Equal(t, GapInfo{Expected: 4, Received: 7}, gaps[0])

	assert.Equal(t, int64(7), c.lastSeq)
}

func TestClient_StopPreventsReconnect(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:1/"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
