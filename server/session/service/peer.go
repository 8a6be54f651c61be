package service

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"workshop_rt/server/common/log"
)

var (
	ErrPeerClosed    = errors.New("peer closed")
	ErrPeerSaturated = errors.New("peer outbound buffer full")
)

// Peer is the transport half of a session. Send must not block: it either
// queues the frame or fails immediately.
type Peer interface {
	Send(frame []byte) error
	Close() error
}

const (
	peerWriteTimeout = 5 * time.Second
	peerPingInterval = 30 * time.Second
)

// WSPeer owns one websocket connection. Frames are queued on a bounded
// buffer and written by a dedicated goroutine, so a slow client only ever
// fills its own buffer.
type WSPeer struct {
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    log.Logger
}

func NewWSPeer(conn *websocket.Conn, buffer int, logger log.Logger) *WSPeer {
	if buffer <= 0 {
		buffer = 64
	}
	p := &WSPeer{
		conn:   conn,
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: log.OrNop(logger),
	}
	go p.writeLoop()
	return p
}

func (p *WSPeer) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrPeerSaturated
	}
}

func (p *WSPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// Done is closed once the peer stops writing.
func (p *WSPeer) Done() <-chan struct{} {
	return p.done
}

func (p *WSPeer) writeLoop() {
	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Warnf("event=session_peer action=write status=failed remote=%s error=%v", p.conn.RemoteAddr(), err)
				_ = p.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(peerWriteTimeout)); err != nil {
				_ = p.Close()
				return
			}
		}
	}
}
