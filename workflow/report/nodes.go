package report

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// AnalyzeNode batch-judges every executed case and writes the verdicts
// back. The verdict recorded here overrides the synthetic pass flag
// execution left behind.
type AnalyzeNode struct {
	Gateway llm.Gateway
	DB      *store.DB
	Logger  *slog.Logger
}

func (n *AnalyzeNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	cases, err := n.DB.ListCases(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load cases: %v", err)),
			Route: graph.Stop(),
		}
	}
	if len(cases) == 0 {
		return graph.NodeResult[State]{
			State: fail(state, "no test cases to report on"),
			Route: graph.Stop(),
		}
	}

	verdicts, err := n.Gateway.JudgeResults(ctx, caseResults(cases))
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		// Recovered: the stored synthetic verdicts stand and the report is
		// still generated.
		if n.Logger != nil {
			n.Logger.Warn("result analysis failed", "task_id", state.TaskID, "error", err)
		}
		state.Errors = append(state.Errors, fmt.Sprintf("analyze results: %v", err))
		state.Cases = cases
		state.Status = StatusAnalyzed
		return graph.NodeResult[State]{State: state}
	}

	for _, c := range cases {
		v, ok := verdicts[c.CaseID]
		if !ok {
			// Leave the stored verdict untouched; the gap is surfaced, not
			// counted as a failure.
			state.Errors = append(state.Errors, fmt.Sprintf("no verdict for case %s", c.CaseID))
			continue
		}
		analysis := v.Analysis
		if v.Conclusion != "" {
			analysis += "\n\n" + v.Conclusion
		}
		if err := n.DB.UpdateCaseVerdict(ctx, c.CaseID, v.IsPassed, analysis); err != nil {
			state.Errors = append(state.Errors, fmt.Sprintf("save verdict for %s: %v", c.CaseID, err))
		}
	}
	if n.Logger != nil {
		n.Logger.Info("results analyzed", "task_id", state.TaskID,
			"cases", len(cases), "verdicts", len(verdicts))
	}

	state.Cases = cases
	state.Verdicts = verdicts
	state.Status = StatusAnalyzed
	return graph.NodeResult[State]{State: state}
}

// EmitNode synthesizes the report rows and writes the spreadsheet and
// report record.
type EmitNode struct {
	Gateway llm.Gateway
	DB      *store.DB
	Logger  *slog.Logger
	DataDir string
	Basics  BasicInfo
}

func (n *EmitNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	task, err := n.DB.GetTask(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load task: %v", err)),
			Route: graph.Stop(),
		}
	}

	// Re-load so the rows see the verdicts the analyzer just wrote.
	cases, err := n.DB.ListCases(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("reload cases: %v", err)),
			Route: graph.Stop(),
		}
	}

	rows, err := n.Gateway.ReportRows(ctx, llm.TaskBrief{
		TaskID:      task.TaskID,
		Requirement: task.RequirementDoc,
		Image:       task.AlgorithmImage,
		Dataset:     task.DatasetURL,
	}, caseResults(cases))
	if err != nil {
		return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
	}

	path := filepath.Join(n.DataDir, "report",
		fmt.Sprintf("test_report_%s_%s.xlsx", state.TaskID, ident.Stamp()))
	if err := writeSpreadsheet(path, n.Basics, task, cases, rows); err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("write report: %v", err)),
			Route: graph.Stop(),
		}
	}

	total, passed, failed := tally(cases)
	if err := n.DB.SaveReport(ctx, &store.Report{
		TaskID:      state.TaskID,
		Content:     path,
		Summary:     fmt.Sprintf("%d cases: %d passed, %d failed", total, passed, failed),
		TotalCases:  total,
		PassedCases: passed,
		FailedCases: failed,
	}); err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("save report record: %v", err)),
			Route: graph.Stop(),
		}
	}
	if n.Logger != nil {
		n.Logger.Info("report written", "task_id", state.TaskID, "path", path,
			"passed", passed, "failed", failed)
	}

	state.Cases = cases
	state.ReportPath = path
	state.TotalCases = total
	state.PassedCases = passed
	state.FailedCases = failed
	state.Status = StatusCompleted
	return graph.NodeResult[State]{State: state}
}

func caseResults(cases []store.TestCase) []llm.CaseResult {
	out := make([]llm.CaseResult, len(cases))
	for i, c := range cases {
		out[i] = llm.CaseResult{
			CaseID:       c.CaseID,
			Name:         c.Input.Name,
			Purpose:      c.Input.Purpose,
			Steps:        c.Input.Steps,
			Expected:     c.Input.Expected,
			Verification: c.Input.Verification,
			ActualOutput: c.EffectiveOutput(),
			Passed:       c.IsPassed,
		}
	}
	return out
}

func tally(cases []store.TestCase) (total, passed, failed int) {
	total = len(cases)
	for _, c := range cases {
		if c.IsPassed != nil && *c.IsPassed {
			passed++
		} else {
			failed++
		}
	}
	return total, passed, failed
}
