// Package engineserver exposes an Evaluator as an engine endpoint that the
// broker package can connect to. It serves the evaluate and execute tools
// over MCP on stdio, on a websocket, or on an in-memory pipe for tests and
// embedding.
package engineserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/wstransport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Evaluator is the engine-side implementation of the evaluation contract.
// Returning an *evaluation.Fault reports an evaluation error with its class;
// any other error is reported as an engine fault.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, kind evaluation.Kind) (evaluation.Result, error)
	Execute(ctx context.Context, command string) (evaluation.Result, error)
}

// Server serves an Evaluator over MCP.
type Server struct {
	server *mcp.Server
	eval   Evaluator
	log    *slog.Logger

	mu    sync.Mutex
	pipes map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server with the given implementation name and version.
func New(name, version string, eval Evaluator, opts ...Option) *Server {
	s := &Server{
		eval:  eval,
		log:   slog.New(slog.DiscardHandler),
		pipes: make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	s.server.AddTool(&mcp.Tool{
		Name:        evaluation.ToolEvaluate,
		Description: "Evaluate an expression and return its structural value.",
		InputSchema: evaluation.EvaluateSchema,
	}, s.handleEvaluate)

	s.server.AddTool(&mcp.Tool{
		Name:        evaluation.ToolExecute,
		Description: "Execute a command in the engine's interactive context.",
		InputSchema: evaluation.ExecuteSchema,
	}, s.handleExecute)

	return s
}

// Serve serves one client over in and out, typically stdin and stdout. It
// blocks until ctx is cancelled or the client disconnects.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}

	return s.run(ctx, transport)
}

// Handler returns an http.Handler that serves each websocket connection as
// one client.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport, err := wstransport.Accept(w, r)
		if err != nil {
			s.log.WarnContext(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		s.log.InfoContext(r.Context(), "client connected", "remote", r.RemoteAddr)
		err = s.run(r.Context(), transport)
		s.log.InfoContext(r.Context(), "client disconnected", "remote", r.RemoteAddr, "error", err)
	})
}

// Pipe connects a new in-memory client. The server side is served on a
// background goroutine until the client closes, ctx is cancelled, or
// DropConnections is called.
func (s *Server) Pipe(ctx context.Context) (mcp.Transport, error) {
	serverEnd, clientEnd := net.Pipe()

	ss, err := s.server.Connect(ctx, &mcp.IOTransport{Reader: serverEnd, Writer: serverEnd}, nil)
	if err != nil {
		_ = serverEnd.Close()
		_ = clientEnd.Close()
		return nil, err
	}

	s.mu.Lock()
	s.pipes[serverEnd] = struct{}{}
	s.mu.Unlock()

	go func() {
		_ = ss.Wait()
		s.mu.Lock()
		delete(s.pipes, serverEnd)
		s.mu.Unlock()
	}()

	return &mcp.IOTransport{Reader: clientEnd, Writer: clientEnd}, nil
}

// DropConnections severs every in-memory client without a graceful
// shutdown, as a crashed engine or a broken network would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.pipes))
	for c := range s.pipes {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args evaluation.EvaluateArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return toolResult(evaluation.Result{}, err), nil
	}
	if args.Kind == "" {
		args.Kind = evaluation.KindNormal
	}

	res, err := s.eval.Evaluate(ctx, args.Expression, args.Kind)
	if err != nil {
		s.log.DebugContext(ctx, "evaluation failed", "expression", args.Expression, "error", err)
	}

	return toolResult(res, err), nil
}

func (s *Server) handleExecute(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args evaluation.ExecuteArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return toolResult(evaluation.Result{}, err), nil
	}

	res, err := s.eval.Execute(ctx, args.Command)
	if err != nil {
		s.log.DebugContext(ctx, "command failed", "command", args.Command, "error", err)
	}

	return toolResult(res, err), nil
}

func unmarshalArgs(req *mcp.CallToolRequest, v any) error {
	raw := req.Params.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &evaluation.Fault{Message: "invalid arguments: " + err.Error(), Class: evaluation.ClassProtocol}
	}
	return nil
}

func toolResult(res evaluation.Result, err error) *mcp.CallToolResult {
	payload, isFault := evaluation.EncodeResponse(res, err)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		IsError: isFault,
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
