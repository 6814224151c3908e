package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// JSON-RPC codes the client and server use while a connection shuts down.
const (
	codeClientClosing = -32003
	codeServerClosing = -32004
)

var (
	errHostClosed = errors.New("host closed")
	errHostLost   = errors.New("connection lost")
)

// mcpHost evaluates through an MCP client session. Its context is cancelled
// when the host closes or the connection is lost, which retires every call
// still waiting for a response.
type mcpHost struct {
	cs        *mcp.ClientSession
	transport mcp.Transport

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newHost(cs *mcp.ClientSession, transport mcp.Transport) *mcpHost {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &mcpHost{
		cs:        cs,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		_ = cs.Wait()
		h.cancel(errHostLost)
		close(h.done)
	}()

	return h
}

func (h *mcpHost) Evaluate(ctx context.Context, expression string, kind evaluation.Kind) (evaluation.Result, error) {
	if kind == "" {
		kind = evaluation.KindNormal
	}

	return h.call(ctx, "evaluate", evaluation.ToolEvaluate, evaluation.EvaluateArgs{
		Expression: expression,
		Kind:       kind,
	})
}

func (h *mcpHost) Execute(ctx context.Context, command string) (evaluation.Result, error) {
	return h.call(ctx, "execute", evaluation.ToolExecute, evaluation.ExecuteArgs{Command: command})
}

func (h *mcpHost) Done() <-chan struct{} { return h.done }

func (h *mcpHost) Close() error {
	h.cancel(errHostClosed)
	err := h.cs.Close()
	if errors.Is(err, mcp.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (h *mcpHost) call(ctx context.Context, op, tool string, args any) (evaluation.Result, error) {
	if h.ctx.Err() != nil {
		return evaluation.Result{}, evaluation.Disconnected(op, context.Cause(h.ctx))
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	res, err := h.cs.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return evaluation.Result{}, h.classify(ctx, op, err)
	}

	return evaluation.DecodeResponse([]byte(contentText(res)), res.IsError)
}

// classify maps a failed call onto the evaluation error taxonomy. The
// caller's own cancellation is returned as is.
func (h *mcpHost) classify(ctx context.Context, op string, err error) error {
	if h.ctx.Err() != nil {
		return evaluation.Disconnected(op, context.Cause(h.ctx))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var wire *jsonrpc.Error
	if errors.As(err, &wire) && wire.Code != codeClientClosing && wire.Code != codeServerClosing {
		return &evaluation.Fault{Message: wire.Message, Class: evaluation.ClassProtocol}
	}

	return evaluation.Disconnected(op, err)
}

func contentText(res *mcp.CallToolResult) string {
	var texts []string
	for _, item := range res.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	return strings.Join(texts, "\n")
}
