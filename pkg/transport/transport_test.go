package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversBothWays(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("hello")
	require.NoError(t, a.Send(ctx, msg))
	msg[0] = 'j'
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "pipe must copy datagrams")

	require.NoError(t, b.Send(ctx, []byte("back")))
	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestPipeDropHook(t *testing.T) {
	var n atomic.Int32
	a, b := Pipe(WithDrop(func([]byte) bool { return n.Add(1)%2 == 0 }))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 4; i++ {
		require.NoError(t, a.Send(ctx, []byte{byte(i)}))
	}
	for _, want := range []byte{0, 2} {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{want}, got)
	}
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, b.Close())
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Send(context.Background(), []byte{1}), ErrClosed)
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 3; i++ {
		_, dropped := q.Push(i)
		assert.False(t, dropped)
	}
	evicted, dropped := q.Push(4)
	assert.True(t, dropped)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, uint64(1), q.Dropped())

	ctx := context.Background()
	for _, want := range []int{2, 3, 4} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string](2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push("late")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", got)

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = q.Pop(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Close()
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketLink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverLink := make(chan Link, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverLink <- NewWebSocketLink(conn)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewWebSocketLink(conn)
	server := <-serverLink

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(ctx, []byte{byte(i), 0xff}))
	}
	for i := 0; i < 10; i++ {
		got, err := server.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 0xff}, got)
	}

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDataChannelLink(t *testing.T) {
	if os.Getenv("PEEPCAST_WEBRTC_TEST") == "" {
		t.Skip("set PEEPCAST_WEBRTC_TEST=1 to run the WebRTC loopback test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := ICEConfig{LANOnly: true}
	sharer, err := NewOfferer(cfg)
	require.NoError(t, err)
	viewer, err := NewAnswerer(cfg)
	require.NoError(t, err)

	offer, err := sharer.Offer(ctx)
	require.NoError(t, err)
	answer, err := viewer.Answer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, sharer.AcceptAnswer(answer))

	out, err := sharer.Link(ctx)
	require.NoError(t, err)
	defer out.Close()
	in, err := viewer.Link(ctx)
	require.NoError(t, err)
	defer in.Close()

	require.NoError(t, out.Send(ctx, []byte("chunk")))
	got, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(got))
}
