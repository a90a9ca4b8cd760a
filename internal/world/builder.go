// Package world creates child-friendly story worlds. A world starts from
// one of six preset templates matched by keyword, gets personalized by the
// model, and falls back to template defaults whenever generation fails.
package world

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/safety"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// Template is a preset world definition.
type Template struct {
	Name        string
	Type        string
	Description string
	Rules       string
	Features    []string
	Roles       []string
	Themes      []string
	TargetAge   string
	Keywords    []string
}

// Templates returns the preset worlds in matching order.
func Templates() []Template {
	return []Template{
		{
			Name:        "魔法森林",
			Type:        "魔法森林",
			Description: "一个充满神奇动物的森林，小动物们都会魔法！",
			Rules:       "在这里，魔法是用来帮助别人的，所有生物都是友善的朋友。",
			Features:    []string{"会说话的小动物", "神奇的树木", "闪闪发光的萤火虫", "友善的小精灵"},
			Roles:       []string{"小魔法师", "勇敢的小兔子", "聪明的小狐狸", "会飞的小鸟"},
			Themes:      []string{"友谊", "勇气", "帮助他人", "保护自然"},
			TargetAge:   "3-12岁",
			Keywords:    []string{"魔法", "森林", "精灵", "仙女", "巫师"},
		},
		{
			Name:        "海底世界",
			Type:        "海洋探险",
			Description: "美丽的大海深处，有很多可爱的海洋朋友！",
			Rules:       "海洋是一个奇妙的世界，我们要保护所有的海洋生物。",
			Features:    []string{"彩色的珊瑚", "会唱歌的鱼", "友好的海豚", "神秘的海底城堡"},
			Roles:       []string{"小美人鱼", "勇敢的小海龟", "聪明的小章鱼", "友好的鲨鱼"},
			Themes:      []string{"探索", "友谊", "保护海洋", "团队合作"},
			TargetAge:   "3-12岁",
			Keywords:    []string{"海洋", "海底", "鱼", "海豚", "潜水"},
		},
		{
			Name:        "太空冒险",
			Type:        "太空冒险",
			Description: "在星星之间旅行，和外星朋友一起玩耍！",
			Rules:       "太空中充满了未知的奇迹，每个星球都有自己的特色。",
			Features:    []string{"闪闪的星星", "彩色的星球", "友好的外星人", "神奇的太空船"},
			Roles:       []string{"小宇航员", "可爱的外星人", "聪明的机器人", "勇敢的太空猫"},
			Themes:      []string{"探索", "友谊", "勇敢", "帮助他人"},
			TargetAge:   "5-12岁",
			Keywords:    []string{"太空", "星星", "宇宙", "外星人", "星球"},
		},
		{
			Name:        "恐龙乐园",
			Type:        "恐龙乐园",
			Description: "和友善的小恐龙们一起在史前世界玩耍！",
			Rules:       "虽然恐龙看起来很强大，但他们其实都很友善。",
			Features:    []string{"绿色的草地", "高大的树木", "友好的恐龙", "古老的蛋"},
			Roles:       []string{"小霸王龙", "温和的三角龙", "会飞的翼龙", "聪明的小人类"},
			Themes:      []string{"友谊", "勇敢", "保护动物", "分享"},
			TargetAge:   "4-12岁",
			Keywords:    []string{"恐龙", "史前", "蛋", "远古"},
		},
		{
			Name:        "公主城堡",
			Type:        "公主城堡",
			Description: "美丽的城堡里，有公主、王子和神奇的魔法！",
			Rules:       "在城堡里，每个人都要互相帮助，用魔法做好事。",
			Features:    []string{"高高的塔楼", "美丽的花园", "神奇的魔法棒", "友善的独角兽"},
			Roles:       []string{"小公主", "勇敢的王子", "神奇的小仙女", "友好的小龙"},
			Themes:      []string{"善良", "勇气", "友谊", "帮助他人"},
			TargetAge:   "3-10岁",
			Keywords:    []string{"公主", "王子", "城堡", "独角兽", "国王"},
		},
		{
			Name:        "快乐农场",
			Type:        "动物农场",
			Description: "热闹的农场里，小动物们每天都过得很开心！",
			Rules:       "农场里每个动物都有自己的工作，大家一起努力让农场更美好。",
			Features:    []string{"绿色的草地", "红色的谷仓", "可爱的小动物", "新鲜的蔬菜"},
			Roles:       []string{"农场小主人", "聪明的小猪", "可爱的小羊", "勤劳的小鸡"},
			Themes:      []string{"勤劳", "友谊", "分享", "照顾动物"},
			TargetAge:   "3-8岁",
			Keywords:    []string{"动物", "农场", "小鸡", "小猪", "小羊"},
		},
	}
}

// educationalThemes anchors world themes to positive values.
var educationalThemes = map[string][]string{
	"友谊": {"友爱", "合作", "分享", "理解", "帮助"},
	"勇气": {"勇敢", "坚强", "面对困难", "不怕挑战", "尝试新事物"},
	"善良": {"关心他人", "爱心", "同情心", "乐于助人", "慷慨"},
	"探索": {"好奇心", "发现", "学习", "观察", "提问"},
	"责任": {"承担任务", "守信", "照顾", "保护", "完成工作"},
	"诚实": {"说真话", "承认错误", "不欺骗", "坦率", "正直"},
}

var friendlyPrefixes = []string{"小", "勇敢的", "聪明的", "可爱的", "温和的", "神奇的", "友好的"}

// personalization is the model output for template elaboration.
type personalization struct {
	WorldName  string   `json:"world_name"`
	Background string   `json:"background"`
	Rules      string   `json:"rules"`
	Features   []string `json:"features"`
	Roles      []string `json:"roles"`
	Themes     []string `json:"themes"`
}

// WorldListKey is the user-scoped memory key listing created worlds.
const WorldListKey = "world_list"

// Builder generates and persists story worlds.
type Builder struct {
	client llm.Client
	gate   *safety.Gate
	store  *store.LocalStore
}

// NewBuilder creates a world builder. A nil client keeps generation
// template-only; a nil gate skips description screening.
func NewBuilder(client llm.Client, gate *safety.Gate, st *store.LocalStore) *Builder {
	return &Builder{client: client, gate: gate, store: st}
}

// CreateWorld builds a story world from a child's description and saves it.
// Template matching is keyword based and the model only personalizes the
// matched template, so creation succeeds even when every backend is down.
func (b *Builder) CreateWorld(ctx context.Context, userID, description, targetAge string) (*types.StoryWorld, error) {
	if targetAge == "" {
		targetAge = "3-12岁"
	}
	if b.gate != nil {
		if v := b.gate.CheckInput(ctx, description); !v.Safe {
			logging.WorldError("World description rejected for user %s: %s", userID, v.Reason)
			return nil, fmt.Errorf("world description: %w", v.Err())
		}
	}

	timer := logging.StartTimer(logging.CategoryWorld, "create_world")
	tpl := matchTemplate(description)
	p := b.personalize(ctx, tpl, description, targetAge)

	w := &types.StoryWorld{
		WorldID:    types.NewID("world", shortID()),
		UserID:     userID,
		Name:       p.WorldName,
		Type:       tpl.Type,
		Background: p.Background,
		Rules:      p.Rules,
		Features:   p.Features,
		RoleNames:  friendlyNames(p.Roles),
		Themes:     ensureEducational(p.Themes),
		TargetAge:  targetAge,
		CreatedAt:  time.Now(),
	}

	if err := b.store.CreateWorld(w); err != nil {
		logging.WorldError("Failed to persist world %s: %v", w.WorldID, err)
		return nil, fmt.Errorf("create world: %w", err)
	}
	timer.Stop()

	// keep a user-level memory of every world so later sessions can recall
	// which stories exist
	rec := &types.MemoryRecord{
		Scope:   types.MemoryScope{UserID: userID},
		Key:     WorldListKey,
		Payload: fmt.Sprintf("%s（%s）", w.Name, w.WorldID),
	}
	if err := b.store.WriteMemory(ctx, rec); err != nil {
		logging.WorldDebug("World list memory write failed for %s: %v", w.WorldID, err)
	}

	logging.World("Created world %s (%s) for user %s", w.WorldID, w.Name, userID)
	return w, nil
}

// matchTemplate scores each template by keyword hits. The first template is
// the fallback when nothing matches.
func matchTemplate(description string) Template {
	templates := Templates()
	best := templates[0]
	bestScore := 0

	for _, tpl := range templates {
		score := 0
		for _, kw := range tpl.Keywords {
			if strings.Contains(description, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = tpl
		}
	}
	return best
}

const personalizePrompt = `请基于用户的描述，为儿童故事世界生成个性化的内容。

模板世界: %s
模板描述: %s
用户描述: %s
目标年龄: %s

请生成JSON格式的个性化内容，包含：
{
  "world_name": "更适合用户描述的世界名称",
  "background": "结合用户描述的背景设定",
  "rules": "适合儿童的世界规则",
  "features": ["特色1", "特色2", "特色3", "特色4"],
  "roles": ["角色1", "角色2", "角色3", "角色4"],
  "themes": ["主题1", "主题2", "主题3", "主题4"]
}

要求：
1. 内容必须适合%s的儿童
2. 保持积极向上，有教育意义
3. 融入用户的描述元素
4. 确保内容安全、友善`

// personalize asks the model to adapt the template to the description.
// Any failure returns the template content unchanged.
func (b *Builder) personalize(ctx context.Context, tpl Template, description, targetAge string) personalization {
	fallback := personalization{
		WorldName:  tpl.Name,
		Background: tpl.Description,
		Rules:      tpl.Rules,
		Features:   tpl.Features,
		Roles:      tpl.Roles,
		Themes:     tpl.Themes,
	}
	if b.client == nil {
		return fallback
	}

	prompt := fmt.Sprintf(personalizePrompt, tpl.Name, tpl.Description, description, targetAge, targetAge)
	p, err := b.requestPersonalization(ctx, prompt)
	if err != nil {
		logging.WorldDebug("Personalization failed for template %s, retrying strict: %v", tpl.Name, err)
		p, err = b.requestPersonalization(ctx, prompt+"\n\n注意：只输出JSON对象本身，不要添加任何解释或其他文字。")
	}
	if err != nil {
		logging.WorldDebug("Personalization retry failed, using template %s: %v", tpl.Name, err)
		return fallback
	}

	return sanitize(p, fallback)
}

func (b *Builder) requestPersonalization(ctx context.Context, prompt string) (personalization, error) {
	var p personalization

	reply, err := b.client.CompleteWithSystem(ctx,
		"你是一个儿童故事创作助手，专门创作适合儿童的正面内容。", prompt)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &p); err != nil {
		return p, fmt.Errorf("parse personalization: %w", err)
	}
	return p, nil
}

// sanitize fills missing fields from the fallback, cleans text, and caps
// list lengths.
func sanitize(p, fallback personalization) personalization {
	if p.WorldName = cleanText(p.WorldName); p.WorldName == "" {
		p.WorldName = fallback.WorldName
	}
	if p.Background = cleanText(p.Background); p.Background == "" {
		p.Background = fallback.Background
	}
	if p.Rules = cleanText(p.Rules); p.Rules == "" {
		p.Rules = fallback.Rules
	}
	p.Features = cleanList(p.Features, fallback.Features)
	p.Roles = cleanList(p.Roles, fallback.Roles)
	p.Themes = cleanList(p.Themes, fallback.Themes)
	return p
}

var unsafeChars = regexp.MustCompile(`[<>"'()]`)

func cleanText(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "")
	runes := []rune(s)
	if len(runes) > 200 {
		s = string(runes[:200])
	}
	return s
}

func cleanList(items, fallback []string) []string {
	var out []string
	for _, item := range items {
		if c := cleanText(item); c != "" {
			out = append(out, c)
		}
		if len(out) == 6 {
			break
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// ensureEducational guarantees at least one theme from the value library.
func ensureEducational(themes []string) []string {
	for _, t := range themes {
		if _, ok := educationalThemes[t]; ok {
			return themes
		}
	}
	return append(themes, "友谊", "勇气")
}

// friendlyNames softens role names that carry no friendly prefix.
func friendlyNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, friendlyName(name))
	}
	return out
}

func friendlyName(name string) string {
	for _, prefix := range friendlyPrefixes {
		if strings.Contains(name, prefix) {
			return name
		}
	}
	return "小" + name
}

// AddThemes appends new educational themes to a stored world.
func (b *Builder) AddThemes(worldID string, themes []string) error {
	if err := b.store.AppendWorldThemes(worldID, themes...); err != nil {
		return fmt.Errorf("add themes: %w", err)
	}
	logging.World("Appended %d themes to world %s", len(themes), worldID)
	return nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if start := strings.Index(reply, "{"); start >= 0 {
		if end := strings.LastIndex(reply, "}"); end > start {
			return reply[start : end+1]
		}
	}
	return reply
}
