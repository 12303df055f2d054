package llm

import (
	"context"
	"fmt"
	"strings"
)

const judgePromptHeader = `请分析以下测试用例的执行结果，判断每个测试是否通过，并提供详细的分析依据。

对于每个测试用例，请提供：
1. 测试是否通过的判断（true/false）
2. 详细的分析依据，包括：
   - 对比预期结果和实际输出的差异
   - 根据验证方法进行的具体验证过程
   - 如果测试失败，指出具体的失败原因
3. 总结性结论

请按以下JSON格式输出，以测试用例ID为键：
{
  "CASE_ID": {
    "is_passed": true,
    "analysis": "详细的分析过程...",
    "conclusion": "总结性结论..."
  }
}

只返回JSON，不要有其他文字。

测试用例列表：
`

// JudgeResults implements Gateway: one batched prompt covering every
// case, answered as a JSON object keyed by case ID.
func (g *ZhipuGateway) JudgeResults(ctx context.Context, cases []CaseResult) (map[string]Verdict, error) {
	var sb strings.Builder
	sb.WriteString(judgePromptHeader)
	for _, c := range cases {
		fmt.Fprintf(&sb, `
### 测试用例 %s
- 名称: %s
- 目的: %s
- 测试步骤: %s

预期结果：
%s

验证方法：
%s

实际输出：
%s
`, c.CaseID, orDefault(c.Name, "未命名"), orDefault(c.Purpose, "无"), orDefault(c.Steps, "无"),
			orDefault(c.Expected, "无"), orDefault(c.Verification, "无"), orDefault(c.ActualOutput, "无输出"))
	}

	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleUser, Content: sb.String()},
	})
	if err != nil {
		return nil, err
	}

	var verdicts map[string]Verdict
	if err := DecodeJSONObject(content, &verdicts); err != nil {
		return nil, fmt.Errorf("decode verdicts: %w", err)
	}
	return verdicts, nil
}

const rowPromptHeader = `请根据以下测试任务和各测试用例的结果，为每个测试用例生成一行测试报告表格数据。

测试任务：
- 测试需求: %s
- 算法镜像: %s
- 数据集: %s

每行包含五个字段：
- category: 测试类别（精度测试结果、模型识别率测试分析、性能测试分析、兼容性测试分析、规范测试分析 之一）
- sub_category: 测试子项（通常为测试用例名称）
- standard: 判定标准（来自预期结果）
- result: 测试结果，只能是 "通过" 或 "不通过"
- note: 备注说明

请按以下JSON格式输出，以测试用例ID为键：
{
  "CASE_ID": {
    "category": "精度测试结果",
    "sub_category": "...",
    "standard": "...",
    "result": "通过",
    "note": "..."
  }
}

只返回JSON，不要有其他文字。

测试用例结果：
`

// Row result literals.
const (
	RowPassed = "通过"
	RowFailed = "不通过"
)

// ReportRows implements Gateway. Model failures and unparseable answers
// fall back to placeholder rows built from each case's own fields.
func (g *ZhipuGateway) ReportRows(ctx context.Context, task TaskBrief, cases []CaseResult) (map[string]ReportRow, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, rowPromptHeader,
		orDefault(task.Requirement, "无"), orDefault(task.Image, "无"), orDefault(task.Dataset, "无"))
	for _, c := range cases {
		fmt.Fprintf(&sb, `
### 测试用例 %s
- 名称: %s
- 预期结果: %s
- 实际输出: %s
`, c.CaseID, orDefault(c.Name, "未命名"), orDefault(c.Expected, "无"), orDefault(c.ActualOutput, "无输出"))
	}

	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleUser, Content: sb.String()},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("report row call failed, using placeholder rows", "error", err)
		return placeholderRows(cases), nil
	}

	var rows map[string]ReportRow
	if err := DecodeJSONObject(content, &rows); err != nil {
		g.logger.Warn("report row answer unparseable, using placeholder rows", "error", err)
		return placeholderRows(cases), nil
	}

	// Missing cases still get a row; invalid result strings are coerced.
	for _, c := range cases {
		row, ok := rows[c.CaseID]
		if !ok {
			rows[c.CaseID] = placeholderRow(c)
			continue
		}
		if row.Result != RowPassed && row.Result != RowFailed {
			row.Result = RowFailed
			rows[c.CaseID] = row
		}
	}
	return rows, nil
}

func placeholderRows(cases []CaseResult) map[string]ReportRow {
	rows := make(map[string]ReportRow, len(cases))
	for _, c := range cases {
		rows[c.CaseID] = placeholderRow(c)
	}
	return rows
}

func placeholderRow(c CaseResult) ReportRow {
	result := RowFailed
	if c.Passed != nil && *c.Passed {
		result = RowPassed
	}
	return ReportRow{
		Category:    "精度测试结果",
		SubCategory: orDefault(c.Name, c.CaseID),
		Standard:    c.Expected,
		Result:      result,
		Note:        "自动生成的占位行",
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
