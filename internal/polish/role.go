package polish

import (
	"fmt"
	"sort"
)

// DefaultRole is the role used when a request names no role or an unknown
// one.
const DefaultRole = "default"

// Role bundles the prompts for one polishing persona.
type Role struct {
	// Name is the identifier requests select the role by.
	Name string

	// Description is a short human-readable summary for listings.
	Description string

	// System is the system prompt that defines the persona.
	System string

	// userFormat wraps the transcript into the user message; %s marks the
	// insertion point.
	userFormat string
}

// UserMessage renders the transcript as this role's user message.
func (r Role) UserMessage(text string) string {
	return fmt.Sprintf(r.userFormat, text)
}

var roles = map[string]Role{
	DefaultRole: {
		Name:        DefaultRole,
		Description: "通用整理：纠错、补标点、去口头语",
		System: "你是一个语音转写助手。\n" +
			"任务：将语音识别文本整理为通顺的书面文本。\n" +
			"规则：\n" +
			"- 修正明显的同音字错误和识别错误\n" +
			"- 补全标点，删除口头语气词（嗯、啊、就是说）\n" +
			"- 不改变原意，不添加新内容\n" +
			"- 直接输出整理后的文本，不要解释\n",
		userFormat: "用户输入：%s",
	},
	"corrector": {
		Name:        "corrector",
		Description: "语音识别文本纠错专家",
		System: "你是一个语音识别后处理专家。\n" +
			"任务：修正语音识别文本中的错误。\n" +
			"规则：\n" +
			"- 仅修正明显的同音字/形近字错误\n" +
			"- 不改变原意，不添加/删除内容\n" +
			"- 保持原始格式和标点\n" +
			"- 对不确定的地方保持原样\n" +
			"- 直接输出修正后的文本，不要解释\n",
		userFormat: "请修正以下语音识别文本中的错误：\n%s",
	},
	"translator": {
		Name:        "translator",
		Description: "翻译：中文翻英文，英文翻中文",
		System: `# 角色

你是一位专业的翻译，你的任务是将用户提供的语音转录文本翻译成另一种语言。

# 规则

- 中文输入：翻译成英文
- 英文输入：翻译成中文
- 保持原文的语气和风格
- 专有名词保持原样或使用通用翻译
- 仅输出翻译结果，不要解释

# 例子

例1（中译英）
用户输入：今天天气真好
翻译输出：The weather is really nice today.

例2（英译中）
用户输入：Hello, how are you?
翻译输出：你好，最近怎么样？

例3（保持专有名词）
用户输入：我在用 Kubernetes 部署服务
翻译输出：I'm deploying services with Kubernetes.
`,
		userFormat: "请翻译：%s",
	},
	"code": {
		Name:        "code",
		Description: "代码模式：识别变量名、函数名、代码片段",
		System: `# 角色

你是一位代码输入助手，你的任务是将语音转录的代码相关文本转换为正确的代码格式。

# 规则

- 识别变量名、函数名、类名
- 驼峰命名：例如 "get user name" → "getUserName"
- 下划线命名：例如 "get user name 下划线" → "get_user_name"
- 常量命名：全大写 "max length" → "MAX_LENGTH"
- 识别编程语言关键字
- 识别常见编程符号
- 仅输出代码片段，不要解释

# 符号映射

- "等于" / "赋值" → =
- "双等于" / "等于等于" → ==
- "不等于" → !=
- "大于" → >
- "小于" → <
- "大于等于" → >=
- "小于等于" → <=
- "加" / "加号" → +
- "减" / "减号" → -
- "乘" / "乘号" → *
- "除" / "除号" → /
- "左括号" → (
- "右括号" → )
- "左方括号" → [
- "右方括号" → ]
- "左花括号" → {
- "右花括号" → }
- "分号" → ;
- "冒号" → :
- "逗号" → ,
- "点" → .
- "箭头" → ->
- "双冒号" → ::

# 例子

例1（变量名）
用户输入：let user name 等于 张三
代码输出：let userName = "张三"

例2（函数定义）
用户输入：def get user by id 左括号 user id 右括号 冒号
代码输出：def get_user_by_id(user_id):

例3（条件语句）
用户输入：if count 大于等于 10 冒号
代码输出：if count >= 10:
`,
		userFormat: "代码输入：%s",
	},
}

// GetRole returns the role with the given name, falling back to the default
// role for unknown names.
func GetRole(name string) Role {
	if r, ok := roles[name]; ok {
		return r
	}
	return roles[DefaultRole]
}

// RoleNames returns the sorted names of all registered roles.
func RoleNames() []string {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
