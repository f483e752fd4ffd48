package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mediashare/internal/metrics"
)

// RefreshMessage is the change signal browsers listen for; on receipt they
// re-query the file list.
const RefreshMessage = "refreshFileList"

var ErrClosed = errors.New("hub closed")

// Transport is the write side of an observer connection. *websocket.Conn
// satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Signal describes one committed repository mutation.
type Signal struct {
	Epoch  uint64
	Reason string
}

type Options struct {
	// QueueSize is the per-observer outbound buffer. An observer whose
	// buffer is full is considered stalled and is dropped. Default 64.
	QueueSize int
	// WriteTimeout bounds a single frame write. Default 10s.
	WriteTimeout time.Duration
	// PingInterval sends keepalive pings; 0 disables them.
	PingInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Hub tracks connected observers and fans out messages to them. Sending
// never blocks the caller: every observer is drained by its own writer.
type Hub struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool

	wg   sync.WaitGroup
	done chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		opts:      opts,
		log:       log.With("component", "hub"),
		observers: make(map[*Observer]struct{}),
		done:      make(chan struct{}),
	}
}

// Observer is one live connection.
type Observer struct {
	ID string

	hub  *Hub
	t    Transport
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Done is closed once the observer has left the hub.
func (o *Observer) Done() <-chan struct{} { return o.closed }

// Join registers t and starts its writer.
func (h *Hub) Join(t Transport) (*Observer, error) {
	o := &Observer{
		ID:     uuid.NewString(),
		hub:    h,
		t:      t,
		send:   make(chan []byte, h.opts.QueueSize),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.observers[o] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.opts.Metrics.ObserverJoined()
	h.log.Debug("observer joined", "observer", o.ID)
	go o.writeLoop()
	return o, nil
}

// Leave removes o and closes its transport. Safe to call more than once.
func (h *Hub) Leave(o *Observer) {
	h.leave(o, "")
}

func (h *Hub) leave(o *Observer, reason string) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	h.mu.Unlock()
	if !ok {
		return
	}
	o.closeOnce.Do(func() {
		close(o.closed)
		_ = o.t.Close()
	})
	h.opts.Metrics.ObserverLeft(reason)
	if reason != "" {
		h.log.Debug("observer dropped", "observer", o.ID, "reason", reason)
	} else {
		h.log.Debug("observer left", "observer", o.ID)
	}
}

// Publish tells every observer the repository changed. It returns the number
// of observers the signal was queued for.
func (h *Hub) Publish(sig Signal) int {
	n := h.fanout([]byte(RefreshMessage))
	h.log.Debug("change published", "epoch", sig.Epoch, "reason", sig.Reason, "observers", n)
	return n
}

// Relay forwards a client message verbatim to every observer, sender included.
func (h *Hub) Relay(msg []byte) int {
	return h.fanout(append([]byte(nil), msg...))
}

func (h *Hub) fanout(msg []byte) int {
	var (
		queued  int
		stalled []*Observer
	)
	h.mu.RLock()
	for o := range h.observers {
		select {
		case o.send <- msg:
			queued++
		default:
			stalled = append(stalled, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range stalled {
		h.leave(o, "stalled")
	}
	return queued
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Run blocks until ctx is done, then disconnects every observer.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.log.Info("shutting down", "observers", h.Count())
	h.Close()
}

// Close refuses new observers, drops the current ones and waits for their
// writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	all := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		all = append(all, o)
	}
	h.mu.Unlock()

	for _, o := range all {
		h.leave(o, "")
	}
	h.wg.Wait()
	close(h.done)
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.done
}

func (o *Observer) writeLoop() {
	h := o.hub
	defer h.wg.Done()

	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		t := time.NewTicker(h.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-o.closed:
			return
		case msg := <-o.send:
			if err := o.write(websocket.TextMessage, msg); err != nil {
				h.leave(o, "send_failed")
				return
			}
			h.opts.Metrics.MessageSent()
		case <-ping:
			if err := o.write(websocket.PingMessage, nil); err != nil {
				h.leave(o, "ping_failed")
				return
			}
		}
	}
}

func (o *Observer) write(kind int, msg []byte) error {
	_ = o.t.SetWriteDeadline(time.Now().Add(o.hub.opts.WriteTimeout))
	return o.t.WriteMessage(kind, msg)
}
