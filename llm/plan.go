package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names the executor primitive a command plan targets.
type Tool string

// Executor tools.
const (
	ToolExecuteCommand Tool = "execute_command"
	ToolExecuteScript  Tool = "execute_script"
	ToolListDirectory  Tool = "list_directory"
	ToolReadFile       Tool = "read_file"
)

// CommandPlan is the structured description of one executor
// invocation, decoded from a model's {tool, parameters, description}
// answer. Exactly one of the parameter fields is meaningful per tool.
type CommandPlan struct {
	Tool        Tool
	Description string

	// Command is the shell command for execute_command.
	Command string

	// Script is the multi-line body for execute_script.
	Script string

	// WorkingDir applies to execute_command and execute_script.
	WorkingDir string

	// Path is the directory for list_directory.
	Path string

	// FilePath is the target for read_file.
	FilePath string
}

type rawPlan struct {
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters"`
	Description string         `json:"description"`
}

// DecodeCommandPlan parses a model response into a CommandPlan.
// A JSON array answer is accepted by taking its first element.
func DecodeCommandPlan(content string) (CommandPlan, error) {
	raw, ok := ExtractJSONObject(content)
	if !ok {
		// Some responses wrap the object in an array.
		trimmed := strings.TrimSpace(content)
		if strings.HasPrefix(trimmed, "[") {
			var list []rawPlan
			if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
				return fromRaw(list[0])
			}
		}
		return CommandPlan{}, &ExtractError{Content: content}
	}

	var rp rawPlan
	if err := json.Unmarshal([]byte(raw), &rp); err != nil {
		return CommandPlan{}, fmt.Errorf("decode command plan: %w", err)
	}
	return fromRaw(rp)
}

func fromRaw(rp rawPlan) (CommandPlan, error) {
	plan := CommandPlan{
		Tool:        Tool(rp.Tool),
		Description: rp.Description,
	}
	if plan.Tool == "" {
		plan.Tool = ToolExecuteCommand
	}

	str := func(key string) string {
		if v, ok := rp.Parameters[key].(string); ok {
			return v
		}
		return ""
	}
	plan.Command = str("command")
	plan.Script = str("script")
	plan.WorkingDir = str("working_dir")
	plan.Path = str("path")
	plan.FilePath = str("file_path")

	switch plan.Tool {
	case ToolExecuteCommand:
		if plan.Command == "" {
			return plan, fmt.Errorf("execute_command plan missing command")
		}
	case ToolExecuteScript:
		if plan.Script == "" {
			return plan, fmt.Errorf("execute_script plan missing script")
		}
	case ToolReadFile:
		if plan.FilePath == "" {
			return plan, fmt.Errorf("read_file plan missing file_path")
		}
	case ToolListDirectory:
		// path is optional, defaults to the executor's cwd
	default:
		return plan, fmt.Errorf("unknown tool %q", plan.Tool)
	}
	return plan, nil
}

// Params renders the plan's parameters in executor wire shape.
func (p CommandPlan) Params() map[string]any {
	params := make(map[string]any)
	switch p.Tool {
	case ToolExecuteCommand:
		params["command"] = p.Command
		if p.WorkingDir != "" {
			params["working_dir"] = p.WorkingDir
		}
	case ToolExecuteScript:
		params["script"] = p.Script
		if p.WorkingDir != "" {
			params["working_dir"] = p.WorkingDir
		}
	case ToolListDirectory:
		if p.Path != "" {
			params["path"] = p.Path
		}
	case ToolReadFile:
		params["file_path"] = p.FilePath
	}
	return params
}

// DefaultLabelPlan is the fallback command used when the model cannot
// produce a label listing command for the dataset.
func DefaultLabelPlan(datasetURL string) CommandPlan {
	return CommandPlan{
		Tool:        ToolExecuteCommand,
		Command:     fmt.Sprintf("find %s/Annotations -name '*.txt' -o -name '*.json' -o -name '*.xml' | head -n 10 | xargs cat", datasetURL),
		Description: "默认数据集标签分析命令",
	}
}

// DefaultCasePlan is the fallback per-case command used when the model's
// answer cannot be decoded: exercise the algorithm with the case's bound
// sample (or a generic input when none is bound).
func DefaultCasePlan(sandboxName, testData string) CommandPlan {
	input := "test.jpg"
	if testData != "" {
		if idx := strings.LastIndexByte(testData, '/'); idx >= 0 {
			input = testData[idx+1:]
		} else {
			input = testData
		}
	}
	return CommandPlan{
		Tool:        ToolExecuteCommand,
		Command:     fmt.Sprintf("docker exec %s ./test-ji-api -i /data/%s", sandboxName, input),
		Description: "默认测试命令",
	}
}
