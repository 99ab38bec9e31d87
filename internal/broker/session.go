package broker

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// session is the wire transport to the gateway. The gateway speaks JSON
// frames over a websocket; a fake session stands in during tests.
type session interface {
	WriteJSON(v interface{}) error
	ReadMessage() ([]byte, error)
	Close() error
}

// dialFunc opens a session. Swapped for a fake in tests.
type dialFunc func(host string, port int) (session, error)

// wsSession wraps a gorilla websocket connection.
type wsSession struct {
	conn *websocket.Conn
}

func dialGateway(host string, port int) (session, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/v1/api/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsSession{conn: conn}, nil
}

func (s *wsSession) WriteJSON(v interface{}) error {
	return s.conn.WriteJSON(v)
}

func (s *wsSession) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}

// wireRequest is one outbound frame. ID correlates the reply.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wireResponse is one inbound frame: either a correlated reply (ID set) or
// an unsolicited event (Event set).
type wireResponse struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
