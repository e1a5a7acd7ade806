// Package signal dispatches protoo requests exchanged with connected peers.
// Framing, response matching and the websocket transport are provided by
// go-protoo; this package adds single-answer requests, panic isolation and
// context-bounded outbound requests.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jiyeyuran/go-protoo"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "protoo"

// Request is an inbound request. Only the first Accept or Reject is sent.
type Request struct {
	Method string
	Data   json.RawMessage

	once   sync.Once
	accept func(data any)
	reject func(err error)
}

func newRequest(msg protoo.Message, accept func(data any), reject func(err error)) *Request {
	return &Request{
		Method: msg.Method,
		Data:   json.RawMessage(msg.Data),
		accept: accept,
		reject: reject,
	}
}

// Accept answers the request with data.
func (r *Request) Accept(data any) {
	r.once.Do(func() { r.accept(data) })
}

// Reject answers the request with an error response.
func (r *Request) Reject(code int, reason string) {
	r.once.Do(func() { r.reject(protoo.NewError(code, reason)) })
}

// Handler serves one request.
type Handler func(req *Request)

// Serve dispatches every request peer receives to handler on its own
// goroutine. A panicking handler rejects its request with 500.
func Serve(peer *protoo.Peer, logger *slog.Logger, handler Handler) {
	peer.On("request", func(msg protoo.Message, accept func(data any), reject func(err error)) {
		req := newRequest(msg, accept, reject)
		go func() {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("request handler panicked", "method", req.Method, "panic", v)
					req.Reject(http.StatusInternalServerError, fmt.Sprint(v))
				}
			}()
			handler(req)
		}()
	})
}

// Call sends a request to peer and waits for its response until ctx ends.
func Call(ctx context.Context, peer *protoo.Peer, method string, data any) error {
	done := make(chan error, 1)
	go func() {
		rsp := peer.Request(method, data)
		done <- rsp.Err()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}
