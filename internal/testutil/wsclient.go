package testutil

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a decoded server frame with its payload left raw.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame payload into v or fails the test.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decoding %s payload %s: %v", f.Type, f.Data, err)
	}
}

// WSClient is a websocket test client for gateway integration tests.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialWS connects to the gateway's /ws endpoint of an httptest server URL,
// presenting token as a query parameter.
//
// Precondition: serverURL is an http:// URL with a listening server.
// Postcondition: Returns a connected client or fails the test.
func DialWS(t *testing.T, serverURL, token string) *WSClient {
	t.Helper()
	conn, resp, err := DialWSRaw(serverURL, token)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dialing websocket: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return &WSClient{conn: conn, t: t}
}

// DialWSRaw dials without failing the test so callers can assert on refusals.
func DialWSRaw(serverURL, token string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(u, nil)
}

// Send writes one inbound frame.
func (c *WSClient) Send(frameType, requestID string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("encoding %s payload: %v", frameType, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(Frame{Type: frameType, RequestID: requestID, Data: raw}); err != nil {
		c.t.Fatalf("sending %s: %v", frameType, err)
	}
}

// SendRaw writes data as a single text message, bypassing frame encoding.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending raw frame: %v", err)
	}
}

// ReadErr reads one frame and returns the read error, if any. It is meant
// for asserting that the server closed the connection.
func (c *WSClient) ReadErr(timeout time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return err
		}
	}
}

// ReadUntil reads frames until one of the given type arrives or timeout elapses.
// Frames of other types are discarded.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(frameType string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	_ = c.conn.SetReadDeadline(deadline)
	var seen []string
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("waiting for %q: saw %v, error: %v", frameType, seen, err)
		}
		if f.Type == frameType {
			return f
		}
		seen = append(seen, f.Type)
	}
}

// ReadResponse reads frames until one carries requestID.
func (c *WSClient) ReadResponse(requestID string, timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("waiting for response %q: %v", requestID, err)
		}
		if f.RequestID == requestID {
			return f
		}
	}
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.conn.Close()
}
