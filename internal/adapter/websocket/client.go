package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	idleWarningTime   = 4 * time.Minute // Warn 1 minute before disconnect
	defaultBufferSize = 16
)

var idleWarning = []byte(`{"type":"idle-warning","data":"Connection idle. Will disconnect if no activity within 1 minute."}`)

// client owns the write side of one websocket connection. Frames are queued on
// sendChannel and written by a single goroutine, so writes never interleave.
type client struct {
	connection    *websocket.Conn
	clock         clockwork.Clock
	sendChannel   chan []byte
	doneChannel   chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	lastActivity  time.Time
	activityMutex sync.Mutex
	warningSent   bool
	metrics       *metrics.WebSocketMetrics
}

func newClient(connection *websocket.Conn, clock clockwork.Clock, bufferSize int, m *metrics.WebSocketMetrics) *client {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	c := &client{
		connection:   connection,
		clock:        clock,
		sendChannel:  make(chan []byte, bufferSize),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
		metrics:      m,
	}
	c.configurePongHandler()
	c.wg.Add(1)
	go c.run()
	return c
}

// Send queues frame for writing without waiting. A full buffer means the peer
// is not keeping up and is reported as domain.ErrSlowConnection.
func (c *client) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.doneChannel:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.sendChannel <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %d frames buffered", domain.ErrSlowConnection, len(c.sendChannel))
	}
}

// Close stops the writer and sends a close frame carrying reason. It returns
// immediately; the close handshake finishes in the background.
func (c *client) Close(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		go c.finish(reason)
	})
}

// stop is used by the read loop once the peer is gone.
func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
	})
	c.wg.Wait()
	_ = c.connection.Close()
}

func (c *client) finish(reason string) {
	c.wg.Wait()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.updateWriteDeadline()
	_ = c.connection.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = c.connection.Close()
}

// abort tears the connection down after a failed write so the read loop exits.
func (c *client) abort() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
	})
	_ = c.connection.Close()
}

func (c *client) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.sendChannel:
			start := c.clock.Now()
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				c.abort()
				return
			}
			if c.metrics != nil {
				c.metrics.MessageSendSeconds.Observe(c.clock.Since(start).Seconds())
			}
		case <-ticker.Chan():
			if c.checkIdleTimeout() {
				c.abort()
				return
			}

			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				if c.metrics != nil {
					c.metrics.PingFailures.Inc()
				}
				c.abort()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

func (c *client) configurePongHandler() {
	c.updateReadDeadline()
	c.connection.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		c.recordActivity()
		return nil
	})
}

func (c *client) updateWriteDeadline() {
	_ = c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *client) updateReadDeadline() {
	_ = c.connection.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}

// recordActivity is called for pongs and for every inbound frame.
func (c *client) recordActivity() {
	c.activityMutex.Lock()
	defer c.activityMutex.Unlock()
	c.lastActivity = c.clock.Now()
	c.warningSent = false
}

// checkIdleTimeout sends a warning shortly before the idle timeout and
// reports true once the timeout is reached.
func (c *client) checkIdleTimeout() bool {
	c.activityMutex.Lock()
	idleDuration := c.clock.Since(c.lastActivity)
	warningSent := c.warningSent
	c.activityMutex.Unlock()

	if idleDuration >= idleTimeout {
		if c.metrics != nil {
			c.metrics.IdleDisconnects.Inc()
		}
		return true
	}

	if !warningSent && idleDuration >= idleWarningTime {
		c.updateWriteDeadline()
		if err := c.connection.WriteMessage(websocket.TextMessage, idleWarning); err == nil {
			c.activityMutex.Lock()
			c.warningSent = true
			c.activityMutex.Unlock()
		}
	}

	return false
}
