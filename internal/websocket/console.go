// Package websocket offers the console actions over a WebSocket: one JSON
// request frame in, one JSON reply frame out, handled in order per
// connection.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"brm-buddy/internal/api"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 15 * time.Second
	pongWait     = 70 * time.Second
	pingPeriod   = 30 * time.Second

	// room for the JSON envelope around a maximal form body
	frameOverhead = 4096
	// JSON escapes a control byte as \u00XX, six bytes for one
	maxEscapeRatio = 6
)

// DispatchFunc runs one action; api.Handler.Dispatch has this shape.
type DispatchFunc func(ctx context.Context, action, body string) api.Reply

type consoleConn struct {
	conn   *ws.Conn
	cancel context.CancelFunc // stops the command in flight, if any
	mu     sync.Mutex         // serializes writes
}

func (cc *consoleConn) write(messageType int, data []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cc.conn.WriteMessage(messageType, data)
}

// Console upgrades HTTP requests and serves console frames.
type Console struct {
	dispatch DispatchFunc
	maxBody  int64
	logger   *zap.Logger
	upgrader ws.Upgrader

	mu    sync.Mutex
	conns map[*consoleConn]struct{}
}

func NewConsole(dispatch DispatchFunc, maxBody int64, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		dispatch: dispatch,
		maxBody:  maxBody,
		logger:   logger,
		upgrader: ws.Upgrader{
			// the console is a local tool reached from whatever host name
			// the operator typed
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*consoleConn]struct{}),
	}
}

func (c *Console) Handle(gc *gin.Context) {
	conn, err := c.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cc := &consoleConn{conn: conn, cancel: cancel}
	c.mu.Lock()
	c.conns[cc] = struct{}{}
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.conns, cc)
		c.mu.Unlock()
		conn.Close()
	}()

	// the body limit applies after decoding, so the frame limit must admit
	// a fully escaped body
	conn.SetReadLimit(c.maxBody*maxEscapeRatio + frameOverhead)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.logger.Info("console connected", zap.String("remote", conn.RemoteAddr().String()))
	go c.pingLoop(ctx, cc)
	c.readLoop(ctx, cc)
	c.logger.Info("console disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

func (c *Console) pingLoop(ctx context.Context, cc *consoleConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cc.write(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Console) readLoop(ctx context.Context, cc *consoleConn) {
	for {
		// reset after every request: a long command leaves no reader
		// around to see pongs
		cc.conn.SetReadDeadline(time.Now().Add(pongWait))
		mt, msg, err := cc.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				c.logger.Info("console read error", zap.Error(err))
			}
			return
		}
		if mt != ws.TextMessage {
			continue
		}

		reply := c.handle(ctx, msg)
		b, err := json.Marshal(reply)
		if err != nil {
			c.logger.Error("marshal console reply", zap.Error(err))
			return
		}
		if err := cc.write(ws.TextMessage, b); err != nil {
			c.logger.Info("console write error", zap.Error(err))
			return
		}
	}
}

func (c *Console) handle(ctx context.Context, msg []byte) Reply {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return Reply{Error: "invalid request: " + err.Error()}
	}
	if int64(len(req.Body)) > c.maxBody {
		return Reply{ID: req.ID, Action: req.Action, Error: "request body too large"}
	}

	r := c.dispatch(ctx, req.Action, req.Body)
	reply := Reply{ID: req.ID, Action: r.Action, Output: r.Output}
	if res := r.Result; res != nil {
		reply.InvocationID = res.ID
		reply.ExitCode = res.ExitCode
		reply.TimedOut = res.TimedOut()
		reply.DurationMS = res.Duration.Milliseconds()
	}
	return reply
}

// Close drops every open console connection. Hijacked connections are not
// covered by http.Server.Shutdown, so the server calls this on shutdown.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cc := range c.conns {
		cc.cancel()
		cc.conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		cc.conn.Close()
	}
}

// Connections reports how many consoles are connected.
func (c *Console) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}
