package llm

import (
	"context"
	"fmt"
)

const casePlanPrompt = `请将以下测试用例步骤转换为JSON格式的执行策略。策略应包含要调用的工具名称和参数。

可用的工具有:

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
   - path (字符串, 可选): 要列出内容的目录路径，默认为当前目录

使用说明:
- 对于单个命令，使用 execute_command
- 对于需要执行多个命令或创建文件的操作，使用 execute_script
- 对于查看目录内容的操作，使用 list_directory

测试环境:
- 算法容器名称为 %s，算法程序在容器内，命令应当以 docker exec %s 开头
- 测试数据 %s 已挂载到容器内的 /data 目录
- 算法的命令格式为 ./test-ji-api -i <图片路径> [-a 参数名=参数值]，
  例如: docker exec %s ./test-ji-api -i /data/000001.jpg -a 'visual_object=false'

测试用例步骤: %s

请以以下JSON格式返回:
{
  "tool": "工具名称",
  "parameters": {
    "参数名1": "参数值1",
    "参数名2": "参数值2"
  },
  "description": "对这个操作的简短描述"
}

注意事项:
1. 如果步骤涉及创建文件或执行多个命令，应该使用 execute_script
2. 如果只是查看目录内容，使用 list_directory
3. 如果是单个命令，使用 execute_command
4. 确保参数名称和类型与工具定义完全匹配
5. 不要使用sudo命令，执行环境中没有sudo

只返回JSON，不要有其他文字。`

// PlanCaseCommand implements Gateway. Unparseable answers and model
// failures fall back to DefaultCasePlan so execution never blocks on
// model brittleness.
func (g *ZhipuGateway) PlanCaseCommand(ctx context.Context, steps, sandboxName, testData string) (CommandPlan, error) {
	prompt := fmt.Sprintf(casePlanPrompt, sandboxName, sandboxName, testData, sandboxName, steps)

	content, err := g.client.Complete(ctx, []Message{
		{Role: RoleUser, Content: prompt},
	})
	if err != nil {
		if ctx.Err() != nil {
			return CommandPlan{}, ctx.Err()
		}
		g.logger.Warn("case command call failed, using default", "error", err)
		return DefaultCasePlan(sandboxName, testData), nil
	}

	plan, err := DecodeCommandPlan(content)
	if err != nil {
		g.logger.Warn("case command answer unparseable, using default", "error", err)
		return DefaultCasePlan(sandboxName, testData), nil
	}
	return plan, nil
}
