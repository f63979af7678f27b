package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"KelmahIM/logger"
	"KelmahIM/middleware"
	"KelmahIM/middleware/security"
	"KelmahIM/tools/ids"
	"KelmahIM/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(s.conf.AllowOrigins, r.Header.Get("Origin"))
		},
	}
}

// HandleWS upgrades, authenticates and then serves frames until the peer
// goes away. An unauthenticated connection gets one error event and a 4401
// close; it never reaches the hub.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.conf.MaxFrameBytes)

	cl := NewClient(ids.GenerateString(), ws, s.conf.SendQueue, s.rateLimit())
	safe.SafeGo("ws-writer", cl.writeLoop)

	token := security.TokenFrom(c.Request, s.conf.Token)
	sess, err := s.deps.Hub.Connect(c.Request.Context(), token, cl)
	if err != nil {
		cl.Push(BuildError(err))
		cl.Close(CloseUnauthorized, "unauthorized")
		<-cl.Done()
		return
	}
	cl.UserID = sess.UserID
	s.conns.Add(cl)
	logger.Debug("ws connected", zap.String("conn", cl.ConnID), zap.String("user", sess.UserID))

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("ws peer closed", zap.String("conn", cl.ConnID))
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Info("ws read timeout", zap.String("conn", cl.ConnID), zap.String("user", sess.UserID))
			} else {
				logger.Debug("ws read failed", zap.String("conn", cl.ConnID), zap.Error(rerr))
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.serveFrame(cl, sess, data)
	}

	// ---- 退出阶段：先离开所有房间并下线，再等写协程收尾 ----
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.deps.Hub.Disconnect(ctx, sess)
	s.conns.Remove(cl.ConnID)
	cl.Close(websocket.CloseNormalClosure, "")
	<-cl.Done()
	logger.Debug("ws closed", zap.String("conn", cl.ConnID), zap.String("user", sess.UserID))
}
