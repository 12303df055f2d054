package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const caseGenPrompt = `请根据以下算法需求文档，生成一系列全面的测试用例，以验证算法的功能和性能。

需求文档：
%s

请特别注意：
1. 必须全面验证"算法报警逻辑"部分的正确性，确保算法能够按照文档描述的业务场景和逻辑正确工作
2. 必须对"二、自定义配置参数 2、自定义参数说明"部分中的每个有编号的参数进行专门的测试，确保每个参数都能正确工作
3. 每个自定义参数至少需要一个专门的测试用例，测试其功能和边界条件
4. 测试用例应该覆盖参数的默认值、边界值和特殊值情况

生成的测试用例必须包含以下信息：
1. 测试名称：简短描述测试内容，应当明确指出测试的参数或功能
2. 测试目的：详细说明测试什么功能或参数，以及为什么需要测试它
3. 测试步骤：如何执行测试，需要详细的步骤，包括具体的参数设置值
4. 预期结果：测试应该产生什么结果，要具体到数值或状态
5. 验证方法：如何验证测试结果，包括检查哪些输出字段和值

请按照以下格式输出每个测试用例：

## 测试用例1：[测试名称]
- 测试目的：[测试目的]
- 测试步骤：[测试步骤]
- 预期结果：[预期结果]
- 验证方法：[验证方法]

## 测试用例2：[测试名称]
- 测试目的：[测试目的]
- 测试步骤：[测试步骤]
- 预期结果：[预期结果]
- 验证方法：[验证方法]

...以此类推

因为后续的执行测试需要用到的命令为 ./test-ji-api -a 参数名=参数值, 通过-a或-u参数来设置不同的参数进行测试，
所以在测试步骤中必须明确指出：
1. 需要设置的具体参数名称
2. 参数的具体值
3. 如果有多个参数需要同时设置，请分别列出

例如测试步骤可以这样描述：
"设置参数 visual_object=false，然后运行算法检测图像"`

// GenerateCases implements Gateway.
func (g *ZhipuGateway) GenerateCases(ctx context.Context, requirement string) ([]CaseDraft, error) {
	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleUser, Content: fmt.Sprintf(caseGenPrompt, requirement)},
	})
	if err != nil {
		return nil, err
	}

	drafts := ParseCaseMarkdown(content)
	g.logger.Info("test cases synthesized", "count", len(drafts))
	return drafts, nil
}

var (
	caseHeader = regexp.MustCompile(`##\s*测试用例\d+：`)
	caseName   = regexp.MustCompile(`^(.*?)[\r\n]`)
)

// Field markers in the per-case markdown body.
var caseFields = []struct {
	label  string
	assign func(*CaseDraft, string)
}{
	{"测试目的：", func(c *CaseDraft, v string) { c.Purpose = v }},
	{"测试步骤：", func(c *CaseDraft, v string) { c.Steps = v }},
	{"预期结果：", func(c *CaseDraft, v string) { c.Expected = v }},
	{"验证方法：", func(c *CaseDraft, v string) { c.Verification = v }},
}

// ParseCaseMarkdown parses the structured markdown the case-generation
// prompt requests.
//
// Primary path: split on "## 测试用例N：" headers, then pull the four
// labelled fields out of each section. If no headers match, a
// line-oriented fallback scans for bare "测试用例" lines and field
// labels. An unparseable response yields an empty slice.
func ParseCaseMarkdown(content string) []CaseDraft {
	headers := caseHeader.FindAllStringIndex(content, -1)
	if len(headers) == 0 {
		return parseCaseLines(content)
	}

	var drafts []CaseDraft
	for i, loc := range headers {
		end := len(content)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		section := content[loc[1]:end]

		var draft CaseDraft
		if m := caseName.FindStringSubmatch(section); m != nil {
			draft.Name = strings.TrimSpace(m[1])
		} else {
			draft.Name = strings.TrimSpace(section)
		}
		for _, f := range caseFields {
			f.assign(&draft, extractField(section, f.label))
		}
		drafts = append(drafts, draft)
	}
	return drafts
}

// extractField pulls the text after a field label up to the next field
// label or the end of the section.
func extractField(section, label string) string {
	idx := strings.Index(section, label)
	if idx < 0 {
		return ""
	}
	rest := section[idx+len(label):]

	end := len(rest)
	for _, f := range caseFields {
		if f.label == label {
			continue
		}
		if pos := strings.Index(rest, f.label); pos >= 0 && pos < end {
			end = pos
		}
	}
	// Trim the "- " bullet prefix the next label usually carries.
	value := strings.TrimSpace(rest[:end])
	value = strings.TrimSuffix(value, "-")
	return strings.TrimSpace(value)
}

// parseCaseLines is the line-oriented fallback parser.
func parseCaseLines(content string) []CaseDraft {
	var (
		drafts  []CaseDraft
		current *CaseDraft
		field   = -1
	)

	fieldOf := func(c *CaseDraft, i int) *string {
		switch i {
		case 0:
			return &c.Purpose
		case 1:
			return &c.Steps
		case 2:
			return &c.Expected
		default:
			return &c.Verification
		}
	}

	flush := func() {
		if current != nil && current.Name != "" {
			drafts = append(drafts, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "## 测试用例") || strings.HasPrefix(line, "测试用例") {
			flush()
			name := line
			if idx := strings.Index(line, "："); idx >= 0 {
				name = strings.TrimSpace(line[idx+len("："):])
			}
			current = &CaseDraft{Name: name}
			field = -1
			continue
		}

		matched := false
		for i, f := range caseFields {
			if strings.HasPrefix(line, "- "+f.label) || strings.HasPrefix(line, f.label) {
				value := line[strings.Index(line, f.label)+len(f.label):]
				if current != nil {
					*fieldOf(current, i) = strings.TrimSpace(value)
				}
				field = i
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		// Continuation of the current field.
		if field >= 0 && current != nil {
			dst := fieldOf(current, field)
			if *dst == "" {
				*dst = line
			} else {
				*dst += " " + line
			}
		}
	}
	flush()
	return drafts
}
