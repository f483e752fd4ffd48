package broadcast

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediashare/internal/metrics"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	got chan string

	mu     sync.Mutex
	fail   bool
	block  chan struct{}
	closed bool
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan string, 128)}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if kind != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	block, fail := c.block, c.fail
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("broken pipe")
	}
	c.got <- string(data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.block != nil {
			close(c.block)
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func expectMessage(t *testing.T, c *fakeConn, want string) {
	t.Helper()
	select {
	case got := <-c.got:
		assert.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("no message within %s", waitFor)
	}
}

func TestPublishReachesEveryObserver(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	a, b := newFakeConn(), newFakeConn()
	_, err := h.Join(a)
	require.NoError(t, err)
	ob, err := h.Join(b)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())

	assert.Equal(t, 2, h.Publish(Signal{Epoch: 1, Reason: "put"}))
	expectMessage(t, a, RefreshMessage)
	expectMessage(t, b, RefreshMessage)

	// b goes away; a keeps receiving.
	h.Leave(ob)
	assert.True(t, b.isClosed())
	assert.Equal(t, 1, h.Publish(Signal{Epoch: 2, Reason: "delete"}))
	expectMessage(t, a, RefreshMessage)
	assert.Equal(t, 1, h.Count())
}

func TestRelayIsVerbatim(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	a, b := newFakeConn(), newFakeConn()
	_, _ = h.Join(a)
	_, _ = h.Join(b)

	h.Relay([]byte("hello tabs"))
	expectMessage(t, a, "hello tabs")
	expectMessage(t, b, "hello tabs")
}

func TestFailedSendDropsOnlyThatObserver(t *testing.T) {
	m := metrics.New()
	h := NewHub(Options{Metrics: m})
	defer h.Close()

	good, bad := newFakeConn(), newFakeConn()
	bad.fail = true
	_, _ = h.Join(good)
	ob, _ := h.Join(bad)

	h.Publish(Signal{Epoch: 1})
	expectMessage(t, good, RefreshMessage)

	select {
	case <-ob.Done():
	case <-time.After(waitFor):
		t.Fatal("failing observer was not dropped")
	}
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, h.Count())

	h.Publish(Signal{Epoch: 2})
	expectMessage(t, good, RefreshMessage)
}

func TestStalledObserverDoesNotBlockOthers(t *testing.T) {
	h := NewHub(Options{QueueSize: 2})
	defer h.Close()

	good, slow := newFakeConn(), newFakeConn()
	slow.block = make(chan struct{})
	_, _ = h.Join(good)
	so, _ := h.Join(slow)

	start := time.Now()
	for i := 0; i < 10; i++ {
		h.Publish(Signal{Epoch: uint64(i + 1)})
		expectMessage(t, good, RefreshMessage)
	}
	assert.Less(t, time.Since(start), waitFor)

	select {
	case <-so.Done():
	case <-time.After(waitFor):
		t.Fatal("stalled observer was not dropped")
	}
	assert.Equal(t, 1, h.Count())
}

func TestCloseDisconnectsAll(t *testing.T) {
	h := NewHub(Options{})
	a, b := newFakeConn(), newFakeConn()
	_, _ = h.Join(a)
	_, _ = h.Join(b)

	h.Close()
	h.Wait()
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Zero(t, h.Count())

	_, err := h.Join(newFakeConn())
	require.ErrorIs(t, err, ErrClosed)
	h.Close() // idempotent
}

func TestServeOverWebSocket(t *testing.T) {
	h := NewHub(Options{PingInterval: time.Minute})
	defer h.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = h.Serve(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func() *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return c
	}
	c1, c2 := dial(), dial()
	defer c1.Close()
	defer c2.Close()
	require.Eventually(t, func() bool { return h.Count() == 2 }, waitFor, 10*time.Millisecond)

	read := func(c *websocket.Conn) string {
		_ = c.SetReadDeadline(time.Now().Add(waitFor))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		return string(msg)
	}

	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte(RefreshMessage)))
	assert.Equal(t, RefreshMessage, read(c1))
	assert.Equal(t, RefreshMessage, read(c2))

	// One observer hangs up mid-test; the other is unaffected.
	require.NoError(t, c2.Close())
	require.Eventually(t, func() bool { return h.Count() == 1 }, waitFor, 10*time.Millisecond)

	h.Publish(Signal{Epoch: 7, Reason: "delete"})
	assert.Equal(t, RefreshMessage, read(c1))
}
