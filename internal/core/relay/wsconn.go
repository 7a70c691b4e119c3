package relay

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn 把 WebSocket 消息流适配为字节流
type wsConn struct {
	c *websocket.Conn

	r io.Reader // 当前消息

	wmu sync.Mutex
}

// NewWebSocketConn 包装 WebSocket 连接为 io.ReadWriteCloser
func NewWebSocketConn(c *websocket.Conn) io.ReadWriteCloser {
	return &wsConn{c: c}
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			mt, r, err := w.c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
