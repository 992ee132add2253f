package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearsaylabs/hearsay/internal/protocol"
	"github.com/hearsaylabs/hearsay/internal/recorderclient"
)

// liveConn fans recorder events out to one websocket companion. Each
// connection registers its own observer with the recorder, so the live
// feed rides the same registry, throttle, and pruning as every other
// observer in the system.
type liveConn struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	listener *recorderclient.Listener
	server   *Server
	once     sync.Once
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &liveConn{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		server: s,
	}
	events := recorderclient.Events{
		OnStateChange: func(prev, state string, elapsedMS int64) {
			c.enqueue(protocol.Event{
				Kind:      protocol.EventKindState,
				Timestamp: time.Now().UTC(),
				PrevState: prev,
				State:     state,
				ElapsedMS: elapsedMS,
			})
		},
		OnDictationAdded: func(utteranceID string, seq int64) {
			c.enqueue(protocol.Event{
				Kind:        protocol.EventKindDictation,
				Timestamp:   time.Now().UTC(),
				UtteranceID: utteranceID,
				Seq:         seq,
			})
		},
		OnAudioLevel: func(level float64) {
			c.enqueue(protocol.Event{
				Kind:      protocol.EventKindLevel,
				Timestamp: time.Now().UTC(),
				Level:     level,
			})
		},
	}

	listener, err := recorderclient.Listen(s.ctx, s.deps.Bus, s.deps.Observer, "bridge:"+s.cfg.DeviceName, events, s.log)
	if err != nil {
		s.log.Error("live feed registration failed", slog.String("error", err.Error()))
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "observer registration failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}
	c.listener = listener

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go c.writePump(&s.wg)
	go c.readPump(&s.wg)
}

func (s *Server) dropConn(c *liveConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// enqueue hands one event to the write pump. A slow companion loses frames
// rather than stalling the recorder's broadcast path.
func (c *liveConn) enqueue(event protocol.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
	}
}

func (c *liveConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		if c.listener != nil {
			c.listener.Close()
		}
		c.conn.Close()
	})
}

func (c *liveConn) writePump(wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveConn) readPump(wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		c.server.dropConn(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("live feed closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
