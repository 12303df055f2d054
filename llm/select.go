package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const labelSystemPrompt = `你是一个专业的计算机视觉工程师，负责帮助用户分析数据集并选择合适的测试图片。
请根据用户提供的数据集路径，设计命令来查询标签文件夹中每个数据的标签内容。

你可以使用以下工具：
1. execute_command - 执行单个CLI命令
   参数:
   - command (字符串, 必需): 要执行的命令
   - working_dir (字符串, 可选): 命令执行的工作目录，默认为当前目录

2. execute_script - 执行多行脚本
   参数:
   - script (字符串, 必需): 要执行的脚本内容
   - working_dir (字符串, 可选): 脚本执行的工作目录，默认为当前目录

3. list_directory - 列出目录内容
   参数:
   - path (字符串, 必需): 要列出内容的目录路径

4. read_file - 读取文件内容
   参数:
   - file_path (字符串, 必需): 要读取的文件路径

请返回一个JSON对象，包含工具名称、参数和描述。确保命令能够有效地列出和分析数据集中的标签。`

const labelUserPrompt = `请帮我查询这个数据集路径下标签文件夹中每个数据的标签内容并返回:
%s

数据集下有多个子文件夹，Images（存放图片）和Annotations（存放标签）。请找到标签文件夹，然后分析其中的标签文件内容。

标签文件可能是.txt、.json、.xml等格式，通常与图片文件同名但扩展名不同。
例如：如果图片是 000001.jpg，对应的标签文件可能是 000001.txt 或 000001.json 等。

请返回一个最合适的命令来分析这些标签文件。重要：我需要获取标签文件的内容而不仅是文件列表。`

// PlanLabelCommand implements Gateway. Model failures and unparseable
// answers fall back to DefaultLabelPlan.
func (g *ZhipuGateway) PlanLabelCommand(ctx context.Context, datasetURL string) (CommandPlan, error) {
	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleSystem, Content: labelSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(labelUserPrompt, datasetURL)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return CommandPlan{}, ctx.Err()
		}
		g.logger.Warn("label command call failed, using default", "error", err)
		return DefaultLabelPlan(datasetURL), nil
	}

	plan, err := DecodeCommandPlan(content)
	if err != nil {
		g.logger.Warn("label command answer unparseable, using default", "error", err)
		return DefaultLabelPlan(datasetURL), nil
	}
	return plan, nil
}

const selectSystemPrompt = `你是一个专业的计算机视觉测试工程师，负责为测试用例选择最合适的测试图片。
请根据提供的数据集标签内容和测试用例信息，为每个测试用例选择一张最合适的测试图片。

标签内容已按照文件名分组，每个图片的标注内容都清晰列出。请仔细分析每个图片的对象和边界框信息，
选择与测试用例目的最匹配的图片。注意识别图片中的对象类型、数量和位置等特征。

对于每个测试用例，请分析其测试目的和要求，然后从数据集中选择一张最能满足测试需求的图片。
返回JSON格式，包含测试用例ID和对应的图片文件名映射。

重要：只返回图片文件名（如 000001.jpg），不要包含任何路径信息。`

const selectUserPrompt = `## 数据集标签内容：
%s

## 测试用例信息：
%s

请为每个测试用例选择一张最合适的测试图片。对于每个测试用例，分析其测试目的和要求，然后从数据集中选择最适合的图片。
注意分析每个图片的标注内容，包括对象类型、数量、尺寸和位置信息。

请返回JSON格式，格式如下：
` + "```json" + `
{
  "case_id1": "000001.jpg",
  "case_id2": "000002.jpg"
}
` + "```" + `

重要说明：
1. 只返回图片文件名，不要包含任何路径信息
2. 请确保返回的是有效的JSON格式
3. 如果无法确定某个测试用例的合适图片，请使用默认图片："default.jpg"`

// FallbackImage is assigned to cases the model declines to map.
const FallbackImage = "default.jpg"

// labelDataLimit caps the label text embedded in the selection prompt.
const labelDataLimit = 20000

// SelectImages implements Gateway.
func (g *ZhipuGateway) SelectImages(ctx context.Context, cases []CaseBrief, labelData string) (map[string]string, error) {
	if len(labelData) > labelDataLimit {
		labelData = labelData[:labelDataLimit]
	}
	caseJSON, err := json.MarshalIndent(cases, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal case briefs: %w", err)
	}

	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleSystem, Content: selectSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(selectUserPrompt, labelData, caseJSON)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("image selection call failed, using default mapping", "error", err)
		return defaultMapping(cases), nil
	}

	mapping := decodeImageMapping(content)
	if mapping == nil {
		g.logger.Warn("image selection answer unparseable, using default mapping")
		return defaultMapping(cases), nil
	}

	// Cases the model skipped still need a binding.
	normalized := make(map[string]string, len(cases))
	for _, c := range cases {
		name, ok := mapping[c.CaseID]
		if !ok || name == "" {
			normalized[c.CaseID] = FallbackImage
			continue
		}
		normalized[c.CaseID] = NormalizeImageName(name)
	}
	return normalized, nil
}

// decodeImageMapping parses the selection answer, repairing malformed
// JSON by salvaging flat string pairs. Returns nil when nothing can be
// extracted.
func decodeImageMapping(content string) map[string]string {
	raw, ok := ExtractJSONObject(content)
	if ok {
		// Windows-style path separators break JSON escapes.
		raw = strings.ReplaceAll(raw, `\\`, "/")
		raw = strings.ReplaceAll(raw, `\`, "/")
		var mapping map[string]string
		if err := json.Unmarshal([]byte(raw), &mapping); err == nil {
			return mapping
		}
	}
	if pairs := ExtractStringPairs(content); len(pairs) > 0 {
		return pairs
	}
	return nil
}

// NormalizeImageName strips any path components and guarantees an image
// extension, appending ".jpg" when missing.
func NormalizeImageName(name string) string {
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	lower := strings.ToLower(name)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return name
		}
	}
	return name + ".jpg"
}

func defaultMapping(cases []CaseBrief) map[string]string {
	mapping := make(map[string]string, len(cases))
	for _, c := range cases {
		mapping[c.CaseID] = FallbackImage
	}
	return mapping
}
