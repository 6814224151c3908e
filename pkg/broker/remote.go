package broker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/germanamz/evalhost/pkg/wstransport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewRemote returns a broker for an engine listening on a websocket at url.
// header is sent with every handshake, typically for authorization.
func NewRemote(name, url string, header http.Header, opts ...Option) *MCPBroker {
	transport := func() *wstransport.ClientTransport {
		return &wstransport.ClientTransport{URL: url, Header: header.Clone()}
	}

	dial := func(context.Context, StartOptions) (mcp.Transport, error) {
		return transport(), nil
	}

	health := func(ctx context.Context) error {
		conn, err := transport().Connect(ctx)
		if err != nil {
			return fmt.Errorf("broker: probe %s: %w", url, err)
		}
		return conn.Close()
	}

	return New(name, true, dial, append([]Option{WithHealthCheck(health)}, opts...)...)
}
