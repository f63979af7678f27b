package chat

import (
	"encoding/json"
	"sync"
	"time"

	"KelmahIM/logger"
	"KelmahIM/service/presence"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 2 * pingInterval

	// CloseUnauthorized ends a connection whose token did not verify.
	CloseUnauthorized = 4401
	// CloseSlowConsumer ends a connection whose send queue overflowed.
	CloseSlowConsumer = 4408
)

// Client is one WebSocket connection. Writes go through Send and are
// consumed by a single writer goroutine.
type Client struct {
	ConnID string
	UserID string
	WS     *websocket.Conn
	Send   chan []byte

	limiter *rate.Limiter // send_message budget, nil means unlimited

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	code      int
	reason    string
}

// NewClient creates a client; perMinute <= 0 disables the send limit.
func NewClient(connID string, ws *websocket.Conn, sendQueueSize, perMinute int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	c := &Client{
		ConnID: connID,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if perMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return c
}

// Allow spends one send_message token.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Push implements presence.Sink. It never blocks: a full queue drops the
// connection.
func (c *Client) Push(ev presence.Event) bool {
	return c.write(outFrame{Type: ev.Type, Data: ev.Data})
}

func (c *Client) Ack(a Ack) bool {
	return c.write(outFrame{Type: presence.EventAck, ReqID: a.ReqID, Data: a})
}

func (c *Client) write(f outFrame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		logger.Error("encode frame failed", zap.String("conn", c.ConnID), zap.String("type", f.Type), zap.Error(err))
		return false
	}
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.Send <- b:
		return true
	case <-c.quit:
		return false
	default:
		logger.Warn("send queue full, dropping connection", zap.String("conn", c.ConnID), zap.String("user", c.UserID))
		c.Close(CloseSlowConsumer, "send queue overflow")
		return false
	}
}

// Close asks the writer to send a close frame and shut the socket. Only the
// first call has any effect.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.code, c.reason = code, reason
		close(c.quit)
	})
}

// Done is closed once the writer has released the socket.
func (c *Client) Done() <-chan struct{} { return c.done }

// writeLoop 统一由写协程发 Close 并关闭底层连接
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.WS.Close()
		close(c.done)
	}()
	for {
		select {
		case payload := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("ws write failed", zap.String("conn", c.ConnID), zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.WS.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Debug("ws ping failed", zap.String("conn", c.ConnID), zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.quit:
			c.flush()
			if c.code != websocket.CloseAbnormalClosure {
				_ = c.WS.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.code, c.reason), time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes whatever is already queued, e.g. the error sent just before
// an unauthorized close.
func (c *Client) flush() {
	for {
		select {
		case payload := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
