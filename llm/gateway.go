package llm

import (
	"context"
	"log/slog"
)

// CaseDraft is one test case synthesized from a requirement document.
type CaseDraft struct {
	Name         string
	Purpose      string
	Steps        string
	Expected     string
	Verification string
}

// CaseBrief is the slice of a case the image-selection prompt needs.
type CaseBrief struct {
	CaseID  string `json:"case_id"`
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

// CaseResult is the slice of an executed case the report prompts need.
type CaseResult struct {
	CaseID       string
	Name         string
	Purpose      string
	Steps        string
	Expected     string
	Verification string
	ActualOutput string

	// Passed is the already-recorded verdict, if any. Only the
	// report-row fallback consults it.
	Passed *bool
}

// Verdict is the analyzer's judgement of one case.
type Verdict struct {
	IsPassed   bool   `json:"is_passed"`
	Analysis   string `json:"analysis"`
	Conclusion string `json:"conclusion"`
}

// ReportRow is one five-column spreadsheet row.
type ReportRow struct {
	Category    string `json:"category"`
	SubCategory string `json:"sub_category"`
	Standard    string `json:"standard"`
	Result      string `json:"result"`
	Note        string `json:"note"`
}

// TaskBrief carries task context into the report-row prompt.
type TaskBrief struct {
	TaskID      string
	Requirement string
	Image       string
	Dataset     string
}

// Gateway is the prompted call-site surface the workflows consume.
//
// Methods that have a documented fallback (label command, image
// selection, per-case command, report rows) absorb model failures into
// that fallback; they return an error only when the context is
// cancelled.
type Gateway interface {
	// GenerateCases synthesizes a test-case catalog from requirement
	// text. An unparseable response yields an empty slice without error;
	// a failed call yields an error wrapping ErrCallFailed.
	GenerateCases(ctx context.Context, requirement string) ([]CaseDraft, error)

	// PlanLabelCommand asks for a shell command that enumerates and
	// reads annotation files under the dataset path. Falls back to
	// DefaultLabelPlan.
	PlanLabelCommand(ctx context.Context, datasetURL string) (CommandPlan, error)

	// SelectImages maps case IDs to dataset image filenames using the
	// organized label text. Unmappable cases fall back to "default.jpg";
	// filenames are normalized to bare names with an image extension.
	SelectImages(ctx context.Context, cases []CaseBrief, labelData string) (map[string]string, error)

	// PlanCaseCommand translates a case's natural-language steps into an
	// executor invocation for the named sandbox. Falls back to
	// DefaultCasePlan.
	PlanCaseCommand(ctx context.Context, steps, sandboxName, testData string) (CommandPlan, error)

	// JudgeResults batch-analyzes executed cases, returning a verdict
	// per case ID. Cases absent from the response are simply absent from
	// the map.
	JudgeResults(ctx context.Context, cases []CaseResult) (map[string]Verdict, error)

	// ReportRows synthesizes one spreadsheet row per case ID. Falls back
	// to placeholder rows derived from each case's verdict fields.
	ReportRows(ctx context.Context, task TaskBrief, cases []CaseResult) (map[string]ReportRow, error)
}

// ZhipuGateway implements Gateway on a chat-completion Client.
type ZhipuGateway struct {
	client Client
	logger *slog.Logger
}

// NewGateway creates a gateway. A nil logger falls back to
// slog.Default().
func NewGateway(client Client, logger *slog.Logger) *ZhipuGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZhipuGateway{client: client, logger: logger}
}
