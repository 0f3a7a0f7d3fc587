package tcpserver

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/cyberinferno/go-linenet/logger"
)

// PortPlaceholder is replaced with the port number in a CommandReclaimer
// command line.
const PortPlaceholder = "{port}"

// PortReclaimer frees a TCP port held by another process so that Start can
// retry the bind. Servers without a reclaimer fail immediately when the port
// is taken.
type PortReclaimer interface {
	Reclaim(ctx context.Context, port uint16) error
}

// CommandReclaimer runs an operator supplied shell command to free a port,
// for example "fuser -k {port}/tcp". The command runs through sh -c, or
// cmd /C on Windows.
type CommandReclaimer struct {
	Command string
	Logger  logger.Logger
}

// Reclaim runs the configured command with PortPlaceholder substituted.
//
// Parameters:
//   - ctx: Bounds the command's run time
//   - port: The port to free
//
// Returns:
//   - An error if the command is empty, fails to start or exits non-zero
func (r *CommandReclaimer) Reclaim(ctx context.Context, port uint16) error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("reclaim port %d: no command configured", port)
	}

	line := strings.ReplaceAll(r.Command, PortPlaceholder, strconv.Itoa(int(port)))

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", line)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", line)
	}

	log := logger.OrNop(r.Logger)
	log.Warn("reclaiming port", logger.Field{Key: "port", Value: port}, logger.Field{Key: "command", Value: line})

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("reclaim port %d: %w: %s", port, err, strings.TrimSpace(string(out)))
	}

	return nil
}
