package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/sandbox"
	"github.com/algotest/algotest/store"
)

// Sandbox provisions containers and runs case commands in them.
// Satisfied by *sandbox.Controller.
type Sandbox interface {
	Provision(ctx context.Context, taskID, image, datasetURL string) (string, error)
	RunCase(ctx context.Context, name, command string) (sandbox.ToolResult, error)
}

// ProvisionNode starts the task's algorithm container and records its
// name on the task row. A provisioning failure aborts the run before
// any case is touched.
type ProvisionNode struct {
	Ctrl   Sandbox
	DB     *store.DB
	Logger *slog.Logger
}

func (n *ProvisionNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	task, err := n.DB.GetTask(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load task: %v", err)),
			Route: graph.Stop(),
		}
	}

	name, err := n.Ctrl.Provision(ctx, state.TaskID, task.AlgorithmImage, task.DatasetURL)
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("provision sandbox: %v", err)),
			Route: graph.Stop(),
		}
	}
	if err := n.DB.UpdateTaskContainer(ctx, state.TaskID, name); err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("record sandbox name: %v", err)),
			Route: graph.Stop(),
		}
	}
	if n.Logger != nil {
		n.Logger.Info("sandbox provisioned", "task_id", state.TaskID, "sandbox", name)
	}

	state.SandboxName = name
	state.Status = StatusSandboxReady
	return graph.NodeResult[State]{State: state}
}

// LoadCasesNode loads the cases to run, in creation order.
type LoadCasesNode struct {
	DB *store.DB
}

func (n *LoadCasesNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	cases, err := n.DB.ListCases(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load cases: %v", err)),
			Route: graph.Stop(),
		}
	}
	if state.CaseID != "" {
		var picked []store.TestCase
		for _, c := range cases {
			if c.CaseID == state.CaseID {
				picked = append(picked, c)
				break
			}
		}
		if len(picked) == 0 {
			return graph.NodeResult[State]{
				State: fail(state, fmt.Sprintf("case %s not found in task %s", state.CaseID, state.TaskID)),
				Route: graph.Stop(),
			}
		}
		cases = picked
	}
	if len(cases) == 0 {
		return graph.NodeResult[State]{
			State: fail(state, "no test cases to execute"),
			Route: graph.Stop(),
		}
	}

	state.Cases = cases
	state.Index = 0
	state.Status = StatusCasesLoaded
	return graph.NodeResult[State]{State: state}
}

// ParseCommandNode translates the current case's steps into an executor
// command. A case with an external output override skips planning; the
// override becomes the case's result.
type ParseCommandNode struct {
	Gateway llm.Gateway
	Logger  *slog.Logger
}

func (n *ParseCommandNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	c := state.current()
	if c.ExternalOutput != "" {
		state.SkipExecution = true
		state.CurrentCommand = ""
		state.Status = StatusCommandReady
		return graph.NodeResult[State]{State: state}
	}

	plan, err := n.Gateway.PlanCaseCommand(ctx, c.Input.Steps, state.SandboxName, c.Input.TestData)
	if err != nil {
		return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
	}

	state.SkipExecution = false
	state.CurrentCommand = plan.Command
	state.Status = StatusCommandReady
	return graph.NodeResult[State]{State: state}
}

// ExecuteNode runs the planned command in the sandbox and records its
// output and a synthetic pass flag in the per-case scratch fields.
type ExecuteNode struct {
	Ctrl   Sandbox
	Logger *slog.Logger
}

func (n *ExecuteNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	c := state.current()
	if state.SkipExecution {
		// The externally captured output is the result and gets the same
		// failure-marker scan a live run would.
		failed := sandbox.ReportsFailure(c.ExternalOutput)
		state.CurrentOutput = c.ExternalOutput
		state.CurrentPassed = !failed
		if failed {
			state.CurrentStatus = store.StatusFailed
			state.CurrentAnalysis = "execution skipped: externally captured output reports a failure"
		} else {
			state.CurrentStatus = store.StatusCompleted
			state.CurrentAnalysis = "execution skipped: output provided externally"
		}
		state.Status = StatusExecuted
		return graph.NodeResult[State]{State: state}
	}

	start := time.Now()
	res, err := n.Ctrl.RunCase(ctx, state.SandboxName, state.CurrentCommand)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		state.Errors = append(state.Errors, fmt.Sprintf("execute case %s: %v", c.CaseID, err))
		state.CurrentOutput = fmt.Sprintf("execution error: %v", err)
		state.CurrentPassed = false
		state.CurrentStatus = store.StatusFailed
		state.CurrentAnalysis = fmt.Sprintf("command could not be executed after %d ms: %v", elapsed, err)
		state.Status = StatusExecuted
		return graph.NodeResult[State]{State: state}
	}

	state.CurrentOutput = res.CombinedOutput()
	state.CurrentPassed = !res.IsError
	if res.IsError {
		state.CurrentStatus = store.StatusFailed
		state.CurrentAnalysis = fmt.Sprintf("command failed after %d ms: %s", elapsed, firstLine(res.Stderr, res.Stdout))
	} else {
		state.CurrentStatus = store.StatusCompleted
		state.CurrentAnalysis = fmt.Sprintf("command completed in %d ms", elapsed)
	}
	if n.Logger != nil {
		n.Logger.Info("case executed", "task_id", state.TaskID, "case_id", c.CaseID,
			"passed", state.CurrentPassed, "elapsed_ms", elapsed)
	}

	state.Status = StatusExecuted
	return graph.NodeResult[State]{State: state}
}

func firstLine(candidates ...string) string {
	for _, s := range candidates {
		if s = strings.TrimSpace(s); s != "" {
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				return s[:i]
			}
			return s
		}
	}
	return "no output"
}

// SaveResultNode persists the current case's outcome and advances the
// loop. Persistence failures are recorded and the run continues; the
// task is marked completed only after the last case is saved.
type SaveResultNode struct {
	DB     *store.DB
	Logger *slog.Logger
}

func (n *SaveResultNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	c := state.current()
	// The execution write goes last: its status must win over the
	// completed status the verdict write sets.
	saveErr := n.DB.UpdateCaseVerdict(ctx, c.CaseID, state.CurrentPassed, state.CurrentAnalysis)
	if saveErr == nil {
		saveErr = n.DB.UpdateCaseExecution(ctx, c.CaseID, state.CurrentOutput, state.CurrentStatus)
	}
	if saveErr != nil {
		state.Errors = append(state.Errors, fmt.Sprintf("save case %s: %v", c.CaseID, saveErr))
		if n.Logger != nil {
			n.Logger.Error("case result not saved", "case_id", c.CaseID, "error", saveErr)
		}
	} else {
		state.SavedCount++
		if !state.CurrentPassed {
			state.FailedCount++
		}
	}

	state.Index++
	if state.Index < len(state.Cases) {
		state.Status = StatusCaseSaved
		return graph.NodeResult[State]{State: state}
	}

	if err := n.DB.UpdateTaskStatus(ctx, state.TaskID, store.StatusCompleted); err != nil {
		state.Errors = append(state.Errors, fmt.Sprintf("mark task completed: %v", err))
	}
	state.Status = StatusCompleted
	return graph.NodeResult[State]{State: state}
}
