package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/algotest/algotest/llm"
)

const (
	// NamePrefix derives the sandbox name from its owning task.
	NamePrefix = "algotest_"

	readyMarker   = "sandbox running:"
	removedMarker = "sandbox removed:"
)

// Name returns the sandbox name for a task. One sandbox per task;
// parallel executions of the same task collide here on purpose.
func Name(taskID string) string {
	return NamePrefix + taskID
}

// Controller drives sandbox lifecycle and command execution through an
// executor session. It owns no session itself; the caller dials one
// per workflow run and hands it in.
type Controller struct {
	caller      ToolCaller
	logger      *slog.Logger
	callTimeout time.Duration
	startupWait time.Duration
}

// NewController wraps a session. callTimeout bounds each tool call;
// zero means no bound beyond the caller's context.
func NewController(caller ToolCaller, callTimeout time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		caller:      caller,
		logger:      logger,
		callTimeout: callTimeout,
		startupWait: 3 * time.Second,
	}
}

// Provision starts the algorithm container for a task, waits for it to
// settle, and verifies it is running. It returns the sandbox name.
func (c *Controller) Provision(ctx context.Context, taskID, image, datasetURL string) (string, error) {
	if image == "" {
		return "", fmt.Errorf("provision %s: algorithm image not set", taskID)
	}
	name := Name(taskID)

	mount := ""
	if datasetURL != "" {
		mount = fmt.Sprintf("-v %s:/data ", datasetURL)
	}
	script := fmt.Sprintf(`container_id=$(docker ps -a --filter name=%[1]s -q)
if [ ! -z "$container_id" ]; then
    docker rm -f %[1]s
fi
docker run --gpus=all -itd --privileged -v /etc/localtime:/etc/localtime:ro -e LANG=C.UTF-8 --name %[1]s %[2]s%[3]s
sleep 2
container_status=$(docker inspect -f '{{.State.Running}}' %[1]s 2>/dev/null || echo "false")
if [ "$container_status" != "true" ]; then
    docker logs %[1]s
    exit 1
fi
echo "sandbox started: %[1]s"
`, name, mount, image)

	c.logger.Info("provisioning sandbox", "task_id", taskID, "sandbox", name, "image", image)
	res, err := c.script(ctx, script)
	if err != nil {
		return "", fmt.Errorf("provision %s: %w", name, err)
	}
	if res.IsError || res.Stderr != "" {
		return "", fmt.Errorf("provision %s: container failed to start: %s", name, firstNonEmpty(res.Stderr, res.Stdout))
	}

	// Give the container a moment before trusting the running flag.
	if err := sleep(ctx, c.startupWait); err != nil {
		return "", err
	}
	if err := c.Verify(ctx, name); err != nil {
		return "", err
	}
	c.logger.Info("sandbox ready", "sandbox", name)
	return name, nil
}

// Verify checks that a sandbox exists and is running.
func (c *Controller) Verify(ctx context.Context, name string) error {
	script := fmt.Sprintf(`container_status=$(docker inspect -f '{{.State.Running}}' %[1]s 2>/dev/null || echo "false")
if [ "$container_status" != "true" ]; then
    echo "sandbox not running: %[1]s"
    exit 1
fi
echo "%[2]s %[1]s"
`, name, readyMarker)

	res, err := c.script(ctx, script)
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if res.Stderr != "" {
		return fmt.Errorf("verify %s: %s", name, res.Stderr)
	}
	if !strings.Contains(res.Stdout, readyMarker) {
		return fmt.Errorf("verify %s: not running: %s", name, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// Release stops and removes a sandbox, then confirms it is gone.
// Releasing an absent sandbox succeeds.
func (c *Controller) Release(ctx context.Context, name string) error {
	script := fmt.Sprintf(`docker stop %[1]s >/dev/null 2>&1
docker rm -f %[1]s >/dev/null 2>&1
remaining=$(docker ps -a --filter name=%[1]s -q)
if [ ! -z "$remaining" ]; then
    echo "sandbox still present: %[1]s"
    exit 1
fi
echo "%[2]s %[1]s"
`, name, removedMarker)

	c.logger.Info("releasing sandbox", "sandbox", name)
	res, err := c.script(ctx, script)
	if err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	if !strings.Contains(res.Stdout, removedMarker) {
		return fmt.Errorf("release %s: %s", name, firstNonEmpty(res.Stderr, strings.TrimSpace(res.Stdout)))
	}
	return nil
}

// Call runs an arbitrary command plan after sanitizing it.
func (c *Controller) Call(ctx context.Context, plan llm.CommandPlan) (ToolResult, error) {
	plan = NormalizePlan(plan)
	callCtx, cancel := c.bound(ctx)
	defer cancel()
	return c.caller.CallTool(callCtx, string(plan.Tool), plan.Params())
}

// RunCase executes a case's command. The command arrives fully
// qualified (it already names the sandbox); the guard only refuses to
// run it against a dead sandbox, it never rewraps the command.
func (c *Controller) RunCase(ctx context.Context, name, command string) (ToolResult, error) {
	command = stripSudo(command)
	script := fmt.Sprintf(`container_status=$(docker inspect -f '{{.State.Running}}' %[1]s 2>/dev/null || echo "false")
if [ "$container_status" != "true" ]; then
    echo "sandbox not running: %[1]s"
    exit 1
fi
%[2]s
`, name, command)

	c.logger.Info("executing case command", "sandbox", name, "command", command)
	return c.script(ctx, script)
}

func (c *Controller) script(ctx context.Context, script string) (ToolResult, error) {
	callCtx, cancel := c.bound(ctx)
	defer cancel()
	return c.caller.CallTool(callCtx, string(llm.ToolExecuteScript), map[string]interface{}{"script": script})
}

func (c *Controller) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// workingDirAliases are model answers that mean "wherever you are";
// the executor wants an absolute path.
var workingDirAliases = map[string]bool{
	"current_directory": true,
	".":                 true,
	"current":           true,
	"current dir":       true,
}

// NormalizePlan sanitizes a model-produced plan before it reaches the
// executor: alias working directories become "/", and sudo is removed
// (the executor runs unprivileged).
func NormalizePlan(plan llm.CommandPlan) llm.CommandPlan {
	if workingDirAliases[plan.WorkingDir] {
		plan.WorkingDir = "/"
	}
	plan.Command = stripSudo(plan.Command)
	if plan.Script != "" {
		lines := strings.Split(plan.Script, "\n")
		for i, line := range lines {
			lines[i] = stripSudo(line)
		}
		plan.Script = strings.Join(lines, "\n")
	}
	return plan
}

func stripSudo(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "sudo ") {
		return line
	}
	indent := line[:len(line)-len(trimmed)]
	return indent + strings.TrimPrefix(trimmed, "sudo ")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
