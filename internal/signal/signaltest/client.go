// Package signaltest provides a scripted protoo client for tests. It speaks
// the protoo wire format over a real websocket so the server side runs on the
// same go-protoo transport as production.
package signaltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jiyeyuran/go-protoo"

	"github.com/mossy-p/sfu-signaling/internal/signal"
)

// Error is an error response received from the server.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protoo error %d: %s", e.Code, e.Reason)
}

// ErrClosed is returned for requests pending when the connection ends.
var ErrClosed = errors.New("signaltest: connection closed")

// Responder answers server-initiated requests. A nil responder accepts
// every request with an empty object.
type Responder func(method string, data json.RawMessage) (any, error)

type frame struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type recorded struct {
	method string
	data   json.RawMessage
}

// Client is the remote end of one protoo session.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	nextID        uint32
	pending       map[uint32]chan frame
	notifications []recorded
	requests      []recorded
	respond       Responder

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// Dial connects to a protoo websocket endpoint.
func Dial(url string) (*Client, error) {
	dialer := websocket.Dialer{Subprotocols: []string{signal.Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Connect starts a single-connection server that hands its go-protoo
// transport to admit, then dials it. The error from admit is returned and
// the connection is dropped when it fails.
func Connect(admit func(transport protoo.Transport) error) (*Client, error) {
	admitted := make(chan error, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{signal.Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			admitted <- err
			return
		}
		transport := protoo.NewWebsocketTransport(conn)
		if err := admit(transport); err != nil {
			admitted <- err
			transport.Close()
			return
		}
		admitted <- nil
		transport.Run()
	}))

	c, err := Dial("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		srv.Close()
		return nil, err
	}
	c.onClose = srv.Close
	if err := <-admitted; err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Subprotocol reports the negotiated websocket subprotocol.
func (c *Client) Subprotocol() string {
	return c.conn.Subprotocol()
}

// SetResponder replaces the function answering server requests.
func (c *Client) SetResponder(fn Responder) {
	c.mu.Lock()
	c.respond = fn
	c.mu.Unlock()
}

// Request sends a request and waits for its response.
func (c *Client) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Request: true, ID: id, Method: method, Data: payload}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if !f.OK {
			return nil, &Error{Code: f.ErrorCode, Reason: f.ErrorReason}
		}
		return f.Data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notifications returns the payloads of every notification received for
// method, in arrival order.
func (c *Client) Notifications(method string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return filter(c.notifications, method)
}

// Requests returns the payloads of every server request received for
// method, in arrival order.
func (c *Client) Requests(method string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return filter(c.requests, method)
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close drops the connection.
func (c *Client) Close() {
	c.conn.Close()
	<-c.done
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func filter(in []recorded, method string) []json.RawMessage {
	var out []json.RawMessage
	for _, r := range in {
		if r.method == method {
			out = append(out, r.data)
		}
	}
	return out
}

func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch {
		case f.Response:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case f.Request:
			c.mu.Lock()
			c.requests = append(c.requests, recorded{method: f.Method, data: f.Data})
			respond := c.respond
			c.mu.Unlock()
			go c.answer(f, respond)
		case f.Notification:
			c.mu.Lock()
			c.notifications = append(c.notifications, recorded{method: f.Method, data: f.Data})
			c.mu.Unlock()
		}
	}
}

func (c *Client) answer(req frame, respond Responder) {
	var (
		result any = struct{}{}
		err    error
	)
	if respond != nil {
		result, err = respond(req.Method, req.Data)
	}
	if err != nil {
		code := http.StatusInternalServerError
		var e *Error
		if errors.As(err, &e) {
			code = e.Code
		}
		_ = c.write(frame{Response: true, ID: req.ID, ErrorCode: code, ErrorReason: err.Error()})
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte("{}")
	}
	_ = c.write(frame{Response: true, ID: req.ID, OK: true, Data: payload})
}
