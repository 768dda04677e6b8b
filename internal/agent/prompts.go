package agent

import (
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// SystemPromptTemplate 定义系统提示词模板
// 包含动态变量: {time}
const SystemPromptTemplate = `你是一个智慧交通诱导智能体，帮助用户基于实时路况数据规划出行。

当前系统时间: {time}

你需要遵循以下原则:
1. 不要编造数据，所有路况结论必须基于工具返回的真实数据。
2. 涉及地点查询、路线规划时，优先使用工具获取实时信息。
3. 回答要简洁明了，给出明确的出行建议和理由。
4. 如果信息不足以给出可靠建议，要明确说明不确定性。`

// perceptionPromptFormat 用于从用户输入中提取起终点。
// 要求模型只返回 JSON，解析端会用正则做一次容错截取。
const perceptionPromptFormat = `Extract origin and destination from: %q.
Return JSON ONLY: {"origin": "...", "destination": "..."}.
If unknown, use empty string.`

// PerceptionPrompt 构造一次起终点提取的完整提示词
func PerceptionPrompt(userRequest string) string {
	return fmt.Sprintf(perceptionPromptFormat, userRequest)
}

// NewChatTemplate 创建对话模板实例
// 将系统提示、动态时间与历史消息组装为 ChatModel 可接受的消息列表
func NewChatTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(SystemPromptTemplate),
		schema.MessagesPlaceholder("history", true),
	)
}
