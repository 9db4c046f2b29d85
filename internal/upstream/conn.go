// conn.go — WebSocket 事件流连接。
//
// 每个用户会话只建一条, 地址 {base}/ws/{user_id}。设计上不做重连:
// 连接断开即会话结束, 外层收到 Done 信号后整体收尾。
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"
	"github.com/ide-agent/go-ide-gateway/pkg/util"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
)

const (
	dialTimeout     = 5 * time.Second
	readIdleTimeout = 90 * time.Second
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// EventSink 接收解码后的上游事件。回调在 readLoop goroutine 上
// 串行执行, 一条消息处理完才读下一条。
type EventSink interface {
	HandleAgentEvent(ev timeline.AgentEvent)
}

// Conn 一条活跃的事件流连接。
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // WriteControl 与 Close 互斥
	sink    EventSink

	closeOnce sync.Once
	done      chan struct{}
}

// Dial 建立事件流连接并启动读循环。baseURL 接受 http(s)://, 自动换算
// 成 ws(s):// scheme。
func Dial(ctx context.Context, baseURL, userID string, sink EventSink) (*Conn, error) {
	wsURL, err := eventStreamURL(baseURL, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, "upstream.Dial", "build ws url")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		NetDialContext:   (&net.Dialer{Timeout: dialTimeout}).DialContext,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, "upstream.Dial", "connect %s", wsURL)
	}

	_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})

	c := &Conn{ws: ws, sink: sink, done: make(chan struct{})}
	util.SafeGo(func() { c.readLoop() })
	util.SafeGo(func() { c.pingLoop() })
	logger.Info("event stream connected", logger.FieldURL, wsURL, logger.FieldUserID, userID)
	return c, nil
}

// eventStreamURL http://host:port → ws://host:port/ws/{userID}。
func eventStreamURL(baseURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("empty user id")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(userID)
	return u.String(), nil
}

// readLoop 串行读取入站消息, 畸形消息跳过并记日志, 连接错误退出。
func (c *Conn) readLoop() {
	defer c.markDone()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("event stream closed by server")
			} else {
				logger.Warn("event stream read failed", logger.FieldError, err)
			}
			return
		}
		ev, err := timeline.DecodeAgentEvent(raw)
		if err != nil {
			logger.Warn("skipping malformed event",
				logger.FieldError, err,
				logger.FieldRaw, util.CompactOneLine(string(raw), 200))
			continue
		}
		c.sink.HandleAgentEvent(ev)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logger.Warn("event stream ping failed", logger.FieldError, err)
				return
			}
		}
	}
}

func (c *Conn) markDone() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close 关闭连接。幂等。
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.markDone()
	return nil
}

// Done 连接结束信号 (读循环退出或 Close 被调用后关闭)。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
