package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/safety"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// confusedFiller is the in-character reply when generation fails.
const confusedFiller = "抱歉，我现在有点困惑，能再说一遍吗？"

// rephraseFiller replaces generated output that fails the safety gate.
const rephraseFiller = "让我想想怎么说会更合适..."

// Agent speaks as a story role. It grounds every reply in the chapter's
// recent turns and the role's scoped memories, and re-checks its own output
// before returning it.
type Agent struct {
	client     llm.Client
	store      *store.LocalStore
	gate       *safety.Gate
	turnWindow int
	memoryTopK int
}

// NewAgent creates a role agent. gate may be nil to skip output checking.
func NewAgent(client llm.Client, st *store.LocalStore, gate *safety.Gate, turnWindow, memoryTopK int) *Agent {
	if turnWindow <= 0 {
		turnWindow = 10
	}
	if memoryTopK <= 0 {
		memoryTopK = 3
	}
	return &Agent{
		client:     client,
		store:      st,
		gate:       gate,
		turnWindow: turnWindow,
		memoryTopK: memoryTopK,
	}
}

// Respond generates the role's in-character reply to a user message. The
// reply always stays in persona: generation failure yields a confused
// filler rather than an error, so a story turn never crashes the session.
func (a *Agent) Respond(ctx context.Context, role *types.RoleInstance, chapterID string, scope types.MemoryScope, message, emotion string) (*types.RoleResponse, error) {
	tone := types.ToneMetadata{
		Emotion:  emotion,
		RoleName: role.Config.Name,
		VoiceID:  role.Config.VoiceID,
	}

	if a.client == nil {
		return &types.RoleResponse{Content: confusedFiller, Tone: tone}, nil
	}

	history, err := a.store.ListRecentTurns(chapterID, a.turnWindow)
	if err != nil {
		logging.RolesWarn("Loading turns for chapter %s failed: %v", chapterID, err)
	}

	memories, err := a.store.SearchMemory(ctx, scope, message, a.memoryTopK)
	if err != nil {
		logging.RolesWarn("Memory search for %s failed: %v", scope.Key(), err)
	}

	timer := logging.StartTimer(logging.CategoryRoles, "respond")
	reply, err := a.client.CompleteWithSystem(ctx,
		"你是一个儿童故事角色，始终保持角色设定。",
		buildPrompt(role.Config, history, memories, message))
	timer.StopWithThreshold(5 * time.Second)
	if err != nil {
		logging.RolesWarn("Generation failed for role %s: %v", role.RoleID, err)
		return &types.RoleResponse{Content: confusedFiller, Tone: tone}, nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = confusedFiller
	}

	if a.gate != nil {
		if verdict := a.gate.CheckOutput(ctx, reply); !verdict.Safe {
			logging.RolesWarn("Role %s output rejected: %s", role.RoleID, verdict.Reason)
			reply = rephraseFiller
		}
	}

	return &types.RoleResponse{Content: reply, Tone: tone}, nil
}

// buildPrompt assembles the persona instructions, recent dialogue, and
// recalled memories into one generation prompt.
func buildPrompt(config types.RoleConfig, history []types.TurnEntry, memories []*types.MemoryRecord, message string) string {
	var b strings.Builder

	b.WriteString(personaPrompt(config))

	if len(memories) > 0 {
		b.WriteString("\n你记得这些事情：\n")
		for _, m := range memories {
			b.WriteString("- ")
			b.WriteString(m.Payload)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n当前对话历史：\n")
	if len(history) == 0 {
		b.WriteString("这是我们的第一次对话。\n")
	} else {
		for _, turn := range history {
			b.WriteString(turn.Speaker)
			b.WriteString(": ")
			b.WriteString(turn.Content)
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\n用户说：%s\n\n请以%s的身份回应：", message, config.Name)
	return b.String()
}

// personaPrompt renders the role's character card.
func personaPrompt(config types.RoleConfig) string {
	abilities := "无"
	if len(config.Abilities) > 0 {
		abilities = strings.Join(config.Abilities, "、")
	}
	safetyRules := "保持友善和积极"
	if len(config.SafetyRules) > 0 {
		safetyRules = strings.Join(config.SafetyRules, "、")
	}
	ageGroup := config.AgeGroup
	if ageGroup == "" {
		ageGroup = "3-12岁"
	}

	return fmt.Sprintf(`你是%s，一个儿童故事角色。

角色设定：
- 性格：%s
- 背景：%s
- 年龄组：%s
- 特殊能力：%s

互动规则：
1. 始终保持角色性格特点
2. 使用适合%s儿童的语言
3. 内容积极向上，有教育意义
4. 互动要有趣且引人入胜
5. 遵循安全规则：%s
`, config.Name, config.Personality, config.Background, ageGroup, abilities, ageGroup, safetyRules)
}
