// Package wstransport carries JSON-RPC messages over a websocket so that a
// remote engine can be reached with the same MCP client used for local
// processes. Each websocket text message holds exactly one JSON-RPC message.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Subprotocol is negotiated on every connection.
const Subprotocol = "evalhost.jsonrpc.v1"

// maxMessageSize bounds a single inbound message. Package listings from a
// large repository run to a few megabytes.
const maxMessageSize = 32 << 20

// ClientTransport dials URL when the MCP client connects.
type ClientTransport struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
}

var _ mcp.Transport = (*ClientTransport)(nil)

// Connect dials the websocket endpoint.
func (t *ClientTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	ws, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", t.URL, err)
	}

	return newConn(ws), nil
}

// Accept upgrades an HTTP request and returns a transport for the server
// side of the connection.
func Accept(w http.ResponseWriter, r *http.Request) (mcp.Transport, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("wstransport: accept: %w", err)
	}

	return &acceptedTransport{conn: newConn(ws)}, nil
}

type acceptedTransport struct {
	conn *Conn
}

func (t *acceptedTransport) Connect(context.Context) (mcp.Connection, error) {
	return t.conn, nil
}

// Conn is an mcp.Connection backed by a websocket.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

var _ mcp.Connection = (*Conn)(nil)

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}
}

// Read returns the next JSON-RPC message. A normal close by the peer is
// reported as io.EOF.
func (c *Conn) Read(ctx context.Context) (jsonrpc.Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("wstransport: unexpected binary message")
	}

	return jsonrpc.DecodeMessage(data)
}

// Write sends one JSON-RPC message. Safe for concurrent use.
func (c *Conn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("wstransport: encode: %w", err)
	}

	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs the websocket closing handshake once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, "")
		if err != nil && !isClosed(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// SessionID is unused: one websocket carries one session.
func (c *Conn) SessionID() string { return "" }

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
