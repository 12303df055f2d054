package sandbox

import "strings"

const (
	successFrame = "命令执行成功:"
	failureFrame = "命令执行失败:"
	stderrHeader = "\n\nSTDERR:\n"
)

// failureMarkers flag executor output that reports a failure in its
// text even when the transport's success flag says otherwise.
var failureMarkers = []string{
	"脚本执行失败",
	"返回码:",
	"Error:",
	"Failed:",
	"错误:",
}

// DecodeToolText unwraps the executor's framed text payload into a
// ToolResult. The frame prefix states success or failure; everything
// after it is preserved byte for byte. A post-scan of the stdout can
// flip the error flag when the content contradicts the frame.
func DecodeToolText(text string, isError bool) ToolResult {
	stdout := text
	switch {
	case strings.HasPrefix(text, successFrame):
		stdout = trimFrame(text, successFrame)
	case strings.HasPrefix(text, failureFrame):
		stdout = trimFrame(text, failureFrame)
		isError = true
	}

	var stderr string
	if idx := strings.Index(stdout, stderrHeader); idx >= 0 {
		stderr = stdout[idx+len(stderrHeader):]
		stdout = stdout[:idx]
	}

	if !isError && ReportsFailure(stdout) {
		isError = true
	}
	return ToolResult{Stdout: stdout, Stderr: stderr, IsError: isError}
}

func trimFrame(text, frame string) string {
	rest := text[len(frame):]
	if strings.HasPrefix(rest, "\n") {
		return rest[1:]
	}
	if strings.HasPrefix(rest, " ") {
		return rest[1:]
	}
	return rest
}

// ReportsFailure reports whether output text carries one of the
// executor's failure markers. It is applied to live command output and
// to externally captured output alike.
func ReportsFailure(output string) bool {
	for _, m := range failureMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// CombinedOutput renders a result the way it is persisted on a test
// case: the full stdout, then any stderr under the STDERR separator.
func (r ToolResult) CombinedOutput() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + stderrHeader + r.Stderr
}
