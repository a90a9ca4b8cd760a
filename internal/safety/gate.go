// Package safety implements the two-stage content gate every user turn and
// every generated reply passes through. Stage one is keyword screening:
// blocked terms reject immediately, caution terms escalate. Stage two asks a
// model backend for a judgment. Any failure during a judgment is treated as
// unsafe; the gate fails closed.
package safety

import (
	"context"
	"fmt"
	"strings"

	"storyloom/internal/config"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// Verdict is the outcome of a safety check.
type Verdict struct {
	Safe      bool
	Reason    string
	Stage     string // "blocklist", "caution", "model", "clean"
	Escalated bool   // stage two ran
}

// Err returns nil for a safe verdict, otherwise the reason wrapped around
// types.ErrSafetyRejected.
func (v Verdict) Err() error {
	if v.Safe {
		return nil
	}
	return fmt.Errorf("%s: %w", v.Reason, types.ErrSafetyRejected)
}

// blockedTerms reject a message outright. Matching is case-folded substring.
var blockedTerms = []string{
	// Violence and gore
	"杀人", "自杀", "自残", "血腥", "暴力", "枪支", "炸弹", "毒品",
	// Adult content
	"色情", "裸体", "性行为",
	// Privacy probing
	"家庭住址", "银行卡号", "身份证号",
	// English equivalents for mixed input
	"kill yourself", "suicide", "porn",
}

// cautionTerms are ambiguous in a children's context and escalate to the
// model judgment instead of rejecting outright.
var cautionTerms = []string{
	"死", "打架", "害怕", "武器", "鬼", "恐怖", "消失", "讨厌",
	"blood", "fight", "ghost", "weapon",
}

const judgePrompt = `你是一个儿童内容安全审核员。下面是一条发给3-8岁儿童讲故事助手的消息。
判断这条消息对儿童是否安全合适。

消息："%s"

只回复一行，格式为：
安全 或 不安全
原因: [一句话说明]`

// Gate screens content before and after generation.
type Gate struct {
	client      llm.Client
	strictMode  bool
	checkOutput bool
	blocked     []string
	caution     []string
}

// NewGate builds a gate from config. The client runs stage two; a nil client
// means every escalation is rejected (fail closed).
func NewGate(cfg config.SafetyConfig, client llm.Client) *Gate {
	blocked := make([]string, 0, len(blockedTerms)+len(cfg.ExtraBlocked))
	blocked = append(blocked, blockedTerms...)
	blocked = append(blocked, cfg.ExtraBlocked...)

	return &Gate{
		client:      client,
		strictMode:  cfg.StrictMode,
		checkOutput: cfg.CheckOutput,
		blocked:     blocked,
		caution:     cautionTerms,
	}
}

// CheckInput screens an inbound user message.
func (g *Gate) CheckInput(ctx context.Context, content string) Verdict {
	return g.check(ctx, content, g.strictMode)
}

// CheckOutput re-screens generated text before it reaches the child.
// Returns a clean verdict without running when output checking is disabled.
func (g *Gate) CheckOutput(ctx context.Context, content string) Verdict {
	if !g.checkOutput {
		return Verdict{Safe: true, Stage: "clean"}
	}
	return g.check(ctx, content, false)
}

func (g *Gate) check(ctx context.Context, content string, forceEscalate bool) Verdict {
	lower := strings.ToLower(content)

	for _, term := range g.blocked {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			logging.SafetyWarn("Blocked term hit: %q", term)
			return Verdict{Safe: false, Reason: "包含不适合儿童的内容", Stage: "blocklist"}
		}
	}

	escalate := forceEscalate
	var hit string
	for _, term := range g.caution {
		if strings.Contains(lower, strings.ToLower(term)) {
			escalate = true
			hit = term
			break
		}
	}

	if !escalate {
		return Verdict{Safe: true, Stage: "clean"}
	}

	if hit != "" {
		logging.Safety("Caution term %q, escalating to model judgment", hit)
	}
	return g.judge(ctx, content)
}

// judge runs the stage-two model check. Any failure is unsafe.
func (g *Gate) judge(ctx context.Context, content string) Verdict {
	if g.client == nil {
		return Verdict{Safe: false, Reason: "安全检查不可用", Stage: "model", Escalated: true}
	}

	reply, err := g.client.Complete(ctx, fmt.Sprintf(judgePrompt, content))
	if err != nil {
		logging.SafetyWarn("Model judgment failed, rejecting: %v", err)
		return Verdict{Safe: false, Reason: "安全检查失败", Stage: "model", Escalated: true}
	}

	verdict := parseJudgment(reply)
	verdict.Escalated = true
	if !verdict.Safe {
		logging.SafetyWarn("Model judged content unsafe: %s", verdict.Reason)
	}
	return verdict
}

// parseJudgment reads the one-line model verdict. Anything that does not
// clearly say safe counts as unsafe.
func parseJudgment(reply string) Verdict {
	reply = strings.TrimSpace(reply)
	firstLine := reply
	if idx := strings.IndexByte(reply, '\n'); idx >= 0 {
		firstLine = reply[:idx]
	}

	reason := ""
	if idx := strings.Index(reply, "原因:"); idx >= 0 {
		reason = strings.TrimSpace(reply[idx+len("原因:"):])
	} else if idx := strings.Index(reply, "原因："); idx >= 0 {
		reason = strings.TrimSpace(reply[idx+len("原因："):])
	}

	if strings.Contains(firstLine, "不安全") {
		return Verdict{Safe: false, Reason: reason, Stage: "model"}
	}
	if strings.Contains(firstLine, "安全") {
		return Verdict{Safe: true, Reason: reason, Stage: "model"}
	}
	return Verdict{Safe: false, Reason: "无法解析审核结果", Stage: "model"}
}
