package broker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shirou/gopsutil/v3/process"
)

// NewLocal returns a broker that spawns command as an engine process for
// each host and talks to it over stdio.
func NewLocal(name, command string, args []string, opts ...Option) *MCPBroker {
	dial := func(_ context.Context, so StartOptions) (mcp.Transport, error) {
		path, err := exec.LookPath(command)
		if err != nil {
			return nil, fmt.Errorf("broker: engine command: %w", err)
		}

		cmd := exec.Command(path, args...) //nolint:gosec // command comes from configuration
		cmd.Dir = so.WorkDir
		if len(so.Env) > 0 {
			cmd.Env = append(os.Environ(), so.Env...)
		}

		return &mcp.CommandTransport{Command: cmd}, nil
	}

	b := New(name, false, dial, opts...)
	if b.health == nil {
		b.health = func(ctx context.Context) error { return localHealth(ctx, b, command) }
	}

	return b
}

// localHealth checks that the engine command still resolves and that every
// engine process started through b is alive.
func localHealth(ctx context.Context, b *MCPBroker, command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("broker: engine command: %w", err)
	}

	for _, h := range b.liveHosts() {
		ct, ok := h.transport.(*mcp.CommandTransport)
		if !ok || ct.Command.Process == nil {
			continue
		}

		pid := ct.Command.Process.Pid
		alive, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
		if err != nil {
			return fmt.Errorf("broker: probe engine process %d: %w", pid, err)
		}
		if !alive {
			return fmt.Errorf("broker: engine process %d exited", pid)
		}
	}

	return nil
}
