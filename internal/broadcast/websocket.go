package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongDelay  = 90 * time.Second
	pingPeriod = (pongDelay * 8) / 10
	// Observers only listen; anything they send is read and discarded.
	maxInboundMessage = 512
)

// WSObserver adapts a WebSocket connection to the Observer interface.
type WSObserver struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSObserver wraps conn with a fresh observer id.
func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID returns the observer id.
func (o *WSObserver) ID() string {
	return o.id
}

// Send writes msg as a JSON text frame.
func (o *WSObserver) Send(msg interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return websocket.ErrCloseSent
	}
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return o.conn.WriteJSON(msg)
}

func (o *WSObserver) ping() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return websocket.ErrCloseSent
	}
	return o.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
}

// Close closes the underlying connection once.
func (o *WSObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.conn.Close()
}

// Serve subscribes o to b and keeps the connection alive until the peer
// goes away or ctx is done. The observer is unsubscribed and closed on
// return.
func (o *WSObserver) Serve(ctx context.Context, b *Broadcaster) {
	defer func() { _ = o.Close() }()

	if err := b.Subscribe(o); err != nil {
		return
	}
	defer b.Unsubscribe(o)

	o.conn.SetReadLimit(maxInboundMessage)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongDelay))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongDelay))
	})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := o.conn.ReadMessage(); err != nil {
				log.WithField("observer", o.id).Debugf("observer read ended: %v", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			if err := o.ping(); err != nil {
				log.WithField("observer", o.id).Debugf("failed to write ping: %v", err)
				return
			}
		}
	}
}
