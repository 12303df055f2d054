package llm

import (
	"strings"
	"testing"
)

const sampleCaseMarkdown = `以下是生成的测试用例：

## 测试用例1：目标检测开关验证
- 测试目的：验证 visual_object 参数关闭后不再输出目标框
- 测试步骤：设置参数 visual_object=false，然后运行算法检测图像
- 预期结果：输出JSON中 target_count 为 0
- 验证方法：检查输出JSON的 target_count 字段

## 测试用例2：报警阈值边界
- 测试目的：验证 alert_threshold 取边界值时的行为
- 测试步骤：设置参数 alert_threshold=1.0，运行算法
- 预期结果：不产生报警
- 验证方法：检查输出中 is_alert 字段为 false
`

func TestParseCaseMarkdown(t *testing.T) {
	drafts := ParseCaseMarkdown(sampleCaseMarkdown)
	if len(drafts) != 2 {
		t.Fatalf("got %d cases, want 2", len(drafts))
	}

	first := drafts[0]
	if first.Name != "目标检测开关验证" {
		t.Errorf("name = %q", first.Name)
	}
	if !strings.Contains(first.Purpose, "visual_object") {
		t.Errorf("purpose = %q", first.Purpose)
	}
	if !strings.Contains(first.Steps, "visual_object=false") {
		t.Errorf("steps = %q", first.Steps)
	}
	if !strings.Contains(first.Expected, "target_count") {
		t.Errorf("expected = %q", first.Expected)
	}
	if !strings.Contains(first.Verification, "target_count") {
		t.Errorf("verification = %q", first.Verification)
	}

	if drafts[1].Name != "报警阈值边界" {
		t.Errorf("second name = %q", drafts[1].Name)
	}
}

func TestParseCaseMarkdownLineFallback(t *testing.T) {
	// No "## 测试用例N：" headers, only bare lines.
	content := `测试用例1：参数默认值
测试目的：验证默认配置
测试步骤：直接运行算法
预期结果：正常输出
验证方法：检查退出码
`
	drafts := ParseCaseMarkdown(content)
	if len(drafts) != 1 {
		t.Fatalf("got %d cases, want 1", len(drafts))
	}
	if drafts[0].Name != "参数默认值" {
		t.Errorf("name = %q", drafts[0].Name)
	}
	if drafts[0].Steps != "直接运行算法" {
		t.Errorf("steps = %q", drafts[0].Steps)
	}
}

func TestParseCaseMarkdownMultilineField(t *testing.T) {
	content := `## 测试用例1：多行步骤
- 测试目的：目的
- 测试步骤：第一步
第二步
- 预期结果：结果
- 验证方法：方法
`
	drafts := ParseCaseMarkdown(content)
	if len(drafts) != 1 {
		t.Fatalf("got %d cases, want 1", len(drafts))
	}
	if !strings.Contains(drafts[0].Steps, "第一步") || !strings.Contains(drafts[0].Steps, "第二步") {
		t.Errorf("steps = %q, want both lines", drafts[0].Steps)
	}
}

func TestParseCaseMarkdownEmpty(t *testing.T) {
	if drafts := ParseCaseMarkdown("Sure, here you go:"); len(drafts) != 0 {
		t.Errorf("got %d cases from prose, want 0", len(drafts))
	}
	if drafts := ParseCaseMarkdown(""); len(drafts) != 0 {
		t.Errorf("got %d cases from empty input, want 0", len(drafts))
	}
}
