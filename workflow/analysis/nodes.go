package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/algotest/algotest/document"
	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// ExtractNode reads the requirement document into state.Content.
type ExtractNode struct {
	Extractor *document.Extractor
	Logger    *slog.Logger
}

func (n *ExtractNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	text, err := n.Extractor.Extract(ctx, state.DocumentPath)
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("unable to extract content: %v", err)),
			Route: graph.Stop(),
		}
	}

	state.Content = text
	state.Status = StatusExtracted
	return graph.NodeResult[State]{State: state}
}

// GenerateNode asks the model for a case catalog and assigns case IDs.
type GenerateNode struct {
	Gateway llm.Gateway
	Logger  *slog.Logger
}

func (n *GenerateNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	drafts, err := n.Gateway.GenerateCases(ctx, state.Content)
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		// Recovered with an empty catalog: the task is still persisted so
		// the operator can retry generation without re-uploading.
		state.Errors = append(state.Errors, fmt.Sprintf("case generation failed: %v", err))
		drafts = nil
		if n.Logger != nil {
			n.Logger.Warn("case generation failed", "task_id", state.TaskID, "error", err)
		}
	}
	if n.Logger != nil {
		n.Logger.Info("test cases generated", "task_id", state.TaskID, "count", len(drafts))
	}

	cases := make([]store.TestCase, 0, len(drafts))
	for _, d := range drafts {
		cases = append(cases, store.TestCase{
			TaskID:     state.TaskID,
			CaseID:     ident.New(ident.TestCasePrefix),
			DocumentID: state.DocumentID,
			Input: store.CaseInput{
				Name:         d.Name,
				Purpose:      d.Purpose,
				Steps:        d.Steps,
				Expected:     d.Expected,
				Verification: d.Verification,
			},
			Status: store.StatusPending,
		})
	}

	state.Cases = cases
	state.Status = StatusGenerated
	return graph.NodeResult[State]{State: state}
}

// PersistNode writes the task and every case in one transaction.
type PersistNode struct {
	DB     *store.DB
	Logger *slog.Logger
}

func (n *PersistNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	task := store.Task{
		TaskID:         state.TaskID,
		DocumentID:     state.DocumentID,
		RequirementDoc: state.Content,
		Status:         store.StatusCreated,
	}
	if err := n.DB.SaveTaskWithCases(ctx, &task, state.Cases); err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("persist failed: %v", err)),
			Route: graph.Stop(),
		}
	}
	if n.Logger != nil {
		n.Logger.Info("task saved", "task_id", state.TaskID, "cases", len(state.Cases))
	}

	state.Status = StatusSaved
	return graph.NodeResult[State]{State: state}
}
