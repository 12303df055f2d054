package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/sandbox"
	"github.com/algotest/algotest/store"
)

// Runner executes command plans against the dataset host. Satisfied by
// *sandbox.Controller.
type Runner interface {
	Call(ctx context.Context, plan llm.CommandPlan) (sandbox.ToolResult, error)
}

// TaskInfoNode loads the task and resolves its dataset location.
type TaskInfoNode struct {
	DB     *store.DB
	Logger *slog.Logger
}

func (n *TaskInfoNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	task, err := n.DB.GetTask(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load task: %v", err)),
			Route: graph.Stop(),
		}
	}

	dataset := task.DatasetURL
	if dataset == "" {
		dataset = "/data"
		if n.Logger != nil {
			n.Logger.Warn("task has no dataset location, using default", "task_id", state.TaskID, "dataset", dataset)
		}
	}

	state.DatasetURL = dataset
	state.Status = StatusTaskInfoReady
	return graph.NodeResult[State]{State: state}
}

// ListLabelsNode asks the model for a listing command, runs it, and
// classifies the output.
type ListLabelsNode struct {
	Gateway llm.Gateway
	Runner  Runner
	Logger  *slog.Logger
	DataDir string
}

func (n *ListLabelsNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	plan, err := n.Gateway.PlanLabelCommand(ctx, state.DatasetURL)
	if err != nil {
		return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
	}

	res, err := n.Runner.Call(ctx, plan)
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("list labels: %v", err)),
			Route: graph.Stop(),
		}
	}

	labelData := res.Stdout
	ready := IsFileContent(labelData)
	state.LabelData = labelData
	state.LabelContentReady = ready
	state.AttemptCount++
	if ready {
		state.Status = StatusLabelContentReady
	} else {
		state.LabelFiles = ParseLabelFiles(labelData)
		state.Status = StatusLabelFilesReady
		if n.Logger != nil {
			n.Logger.Info("label listing only, contents pending", "task_id", state.TaskID, "files", len(state.LabelFiles))
		}
	}

	snapshot(n.Logger, filepath.Join(n.DataDir, "labels"),
		fmt.Sprintf("labels_%s_%s.txt", state.TaskID, ident.Stamp()), labelData)
	return graph.NodeResult[State]{State: state}
}

// ReadContentsNode reads annotation file contents, escalating through
// candidate dataset layouts. Each pass increments AttemptCount.
type ReadContentsNode struct {
	Runner  Runner
	Logger  *slog.Logger
	DataDir string
}

const unreadableMarker = "无法读取文件"

func (n *ReadContentsNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	if len(state.LabelFiles) == 0 {
		return graph.NodeResult[State]{
			State: fail(state, "no label files to read"),
			Route: graph.Stop(),
		}
	}

	files := state.LabelFiles
	if len(files) > 5 {
		files = files[:5]
	}

	contents, err := n.readNamedFiles(ctx, state.DatasetURL, files)
	if err != nil {
		if ctx.Err() != nil {
			return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
		}
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("read label contents: %v", err)),
			Route: graph.Stop(),
		}
	}

	if len(contents) < 10 || strings.Contains(contents, unreadableMarker) {
		contents, err = n.readDiscoveredFiles(ctx, state.DatasetURL)
		if err != nil {
			return graph.NodeResult[State]{
				State: fail(state, fmt.Sprintf("read label contents: %v", err)),
				Route: graph.Stop(),
			}
		}
	}

	if !IsFileContent(contents) {
		// Last resort: find and cat in one pipeline.
		res, err := n.run(ctx, fmt.Sprintf(
			"find %s -name '*.xml' -o -name '*.json' -o -name '*.txt' | head -n 5 | xargs cat 2>/dev/null || echo '%s'",
			state.DatasetURL, unreadableMarker))
		if err != nil {
			return graph.NodeResult[State]{
				State: fail(state, fmt.Sprintf("read label contents: %v", err)),
				Route: graph.Stop(),
			}
		}
		contents = res
	}

	ready := IsFileContent(contents)
	if ready {
		state.LabelData = contents
		state.Status = StatusLabelContentReady
	} else {
		state.Status = StatusLabelContentFailed
	}
	state.LabelContentReady = ready
	state.AttemptCount++

	snapshot(n.Logger, filepath.Join(n.DataDir, "labels"),
		fmt.Sprintf("contents_%s_%s.txt", state.TaskID, ident.Stamp()), contents)
	return graph.NodeResult[State]{State: state}
}

// readNamedFiles locates the listed files and cats them.
func (n *ReadContentsNode) readNamedFiles(ctx context.Context, dataset string, files []string) (string, error) {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = fmt.Sprintf("-name '%s'", f)
	}
	findOut, err := n.run(ctx, fmt.Sprintf("find %s %s", dataset, strings.Join(names, " -o ")))
	if err != nil {
		return "", err
	}

	var paths []string
	for _, line := range strings.Split(findOut, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	if len(paths) == 0 {
		// The files were not where find looked; try the usual layouts.
		for _, f := range files {
			for _, dir := range []string{"Annotations", "annotations", "labels", "Labels", ""} {
				if dir == "" {
					paths = append(paths, fmt.Sprintf("%s/%s", dataset, f))
				} else {
					paths = append(paths, fmt.Sprintf("%s/%s/%s", dataset, dir, f))
				}
			}
		}
		if len(paths) > 5 {
			paths = paths[:5]
		}
	}

	return n.run(ctx, fmt.Sprintf("cat %s 2>/dev/null || echo '%s'", strings.Join(paths, " "), unreadableMarker))
}

// readDiscoveredFiles finds any annotation files under the dataset and
// cats the first few.
func (n *ReadContentsNode) readDiscoveredFiles(ctx context.Context, dataset string) (string, error) {
	findOut, err := n.run(ctx, fmt.Sprintf("find %s -name '*.xml' -o -name '*.json' -o -name '*.txt' | head -n 5", dataset))
	if err != nil {
		return "", err
	}
	var paths []string
	for _, line := range strings.Split(findOut, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	if len(paths) == 0 {
		return "", nil
	}
	return n.run(ctx, fmt.Sprintf("cat %s 2>/dev/null || echo '%s'", strings.Join(paths, " "), unreadableMarker))
}

func (n *ReadContentsNode) run(ctx context.Context, command string) (string, error) {
	res, err := n.Runner.Call(ctx, llm.CommandPlan{Tool: llm.ToolExecuteCommand, Command: command})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// GetCasesNode loads the task's cases for image binding.
type GetCasesNode struct {
	DB *store.DB
}

func (n *GetCasesNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	cases, err := n.DB.ListCases(ctx, state.TaskID)
	if err != nil {
		return graph.NodeResult[State]{
			State: fail(state, fmt.Sprintf("load cases: %v", err)),
			Route: graph.Stop(),
		}
	}
	if len(cases) == 0 {
		return graph.NodeResult[State]{
			State: fail(state, "no test cases"),
			Route: graph.Stop(),
		}
	}

	state.Cases = cases
	state.Status = StatusCasesReady
	return graph.NodeResult[State]{State: state}
}

// SelectImagesNode asks the model for the case→image mapping over the
// organized label text.
type SelectImagesNode struct {
	Gateway llm.Gateway
	Logger  *slog.Logger
	DataDir string
}

func (n *SelectImagesNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	organized := OrganizeLabelContent(state.LabelData)
	snapshot(n.Logger, filepath.Join(n.DataDir, "labels"),
		fmt.Sprintf("labels_%s_%s_organized.txt", state.TaskID, ident.Stamp()), organized)

	briefs := make([]llm.CaseBrief, len(state.Cases))
	for i, c := range state.Cases {
		briefs[i] = llm.CaseBrief{CaseID: c.CaseID, Name: c.Input.Name, Purpose: c.Input.Purpose}
	}

	mapping, err := n.Gateway.SelectImages(ctx, briefs, organized)
	if err != nil {
		return graph.NodeResult[State]{State: cancelled(state), Route: graph.Stop()}
	}

	if raw, err := json.MarshalIndent(mapping, "", "  "); err == nil {
		snapshot(n.Logger, filepath.Join(n.DataDir, "mappings"),
			fmt.Sprintf("mapping_%s_%s.json", state.TaskID, ident.Stamp()), string(raw))
	}

	state.ImageMapping = mapping
	state.Status = StatusImagesSelected
	return graph.NodeResult[State]{State: state}
}

// UpdateStoreNode writes the selected image onto each case as a
// canonical data/Images path.
type UpdateStoreNode struct {
	DB     *store.DB
	Logger *slog.Logger
}

func (n *UpdateStoreNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	if len(state.ImageMapping) == 0 {
		return graph.NodeResult[State]{
			State: fail(state, "no image mapping"),
			Route: graph.Stop(),
		}
	}

	updated := 0
	for _, c := range state.Cases {
		filename, ok := state.ImageMapping[c.CaseID]
		if !ok || filename == "" {
			continue
		}
		if !hasImageExt(filename) {
			filename += ".jpg"
		}

		input := c.Input
		input.TestData = "data/Images/" + filename
		if err := n.DB.UpdateCaseInput(ctx, c.CaseID, input); err != nil {
			return graph.NodeResult[State]{
				State: fail(state, fmt.Sprintf("update case %s: %v", c.CaseID, err)),
				Route: graph.Stop(),
			}
		}
		updated++
	}
	if n.Logger != nil {
		n.Logger.Info("test data bound", "task_id", state.TaskID, "updated", updated)
	}

	state.UpdatedCount = updated
	state.Status = StatusCompleted
	return graph.NodeResult[State]{State: state}
}

func hasImageExt(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// snapshot persists fetched artifacts for later inspection; failures
// are logged, never fatal.
func snapshot(logger *slog.Logger, dir, name, content string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if logger != nil {
			logger.Warn("snapshot dir", "dir", dir, "error", err)
		}
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		if logger != nil {
			logger.Warn("snapshot write", "path", path, "error", err)
		}
	}
}
