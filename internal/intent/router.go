// Package intent classifies each user turn into a handling path: chat,
// story, or education. Classification blends wake-word detection, keyword
// scoring, and a model analysis; when the model is confident it wins, and
// low overall confidence degrades story and education turns to plain chat.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// wakeupWords flip ambiguous turns into story mode.
var wakeupWords = []string{
	"贝贝你好",
	"小贝贝",
	"讲故事",
	"贝贝",
	"开始游戏",
	"我们来玩游戏",
	"我想听故事",
	"开始讲故事",
	"你好贝贝",
}

var storyKeywords = []string{
	"故事", "创建", "世界观", "角色", "扮演", "魔法", "冒险",
	"太空", "海洋", "森林", "恐龙", "公主", "城堡", "开始",
	"讲故事", "游戏", "虚构", "想象", "童话",
}

var chatKeywords = []string{
	"你好", "嗨", "早上好", "晚上好", "再见", "谢谢",
	"今天", "明天", "昨天", "现在", "怎么样", "如何",
	"开心", "难过", "生气", "害怕", "喜欢", "爱",
	"朋友", "学校", "家庭", "帮助",
}

var educationKeywords = []string{
	"教我", "学习", "数数", "算术", "加法", "减法",
	"认字", "拼音", "英语", "为什么", "是什么",
}

// storyTypeEntities are the world types recognizable from a single word.
var storyTypeEntities = []string{"魔法", "太空", "海洋", "森林", "恐龙", "公主", "动物"}

const analysisPrompt = `你是一个专业的意图识别系统。请分析用户输入的意图，并返回JSON格式的分析结果。

用户输入: "%s"

请识别以下三种意图类型:
1. chat - 聊天：日常对话、问候、情感交流等
2. story - 故事：创建故事、角色扮演、世界观设定等
3. education - 教育：数数、认字、知识问答等学习请求

请以JSON格式回复，包含以下字段:
{
  "primary_intent": "chat、story 或 education",
  "confidence": 0.0-1.0之间的置信度,
  "explanation": "分析解释"
}`

// modelAnalysis is the parsed model classification.
type modelAnalysis struct {
	PrimaryIntent string  `json:"primary_intent"`
	Confidence    float64 `json:"confidence"`
	Explanation   string  `json:"explanation"`
}

// Router classifies user turns.
type Router struct {
	client    llm.Client // optional, nil keeps classification keyword-only
	threshold float64    // confidence below this degrades story/education to chat
}

// NewRouter creates an intent router. A nil client is allowed.
func NewRouter(client llm.Client, confidenceThreshold float64) *Router {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.8
	}
	return &Router{client: client, threshold: confidenceThreshold}
}

// Classify determines the handling path for a message. It never fails: any
// internal error degrades to chat with middling confidence.
func (r *Router) Classify(ctx context.Context, content string) types.IntentResult {
	clean := strings.ToLower(strings.Join(strings.Fields(content), " "))

	wakeup := detectWakeup(clean)
	entities := extractEntities(clean)
	keywordIntent := classifyByKeywords(clean)
	analysis := r.modelAnalysis(ctx, clean)

	final := determineFinal(keywordIntent, analysis, entities, wakeup)
	confidence := calculateConfidence(final, keywordIntent, analysis, entities, wakeup)

	// Below the threshold, story and education turns are not trusted
	// enough to switch modes. An explicit wake word is trusted as-is.
	if confidence < r.threshold && !wakeup && (final == types.IntentStory || final == types.IntentEducation) {
		logging.Intent("Degrading %s to chat, confidence %.2f below %.2f", final, confidence, r.threshold)
		final = types.IntentChat
	}

	result := types.IntentResult{
		Intent:         final,
		Confidence:     confidence,
		WakeupDetected: wakeup,
		Entities:       entities,
		Reasoning:      buildReasoning(final, keywordIntent, analysis, entities),
	}

	logging.Intent("Classified %q as %s (confidence %.2f, wakeup %v)", content, final, confidence, wakeup)
	return result
}

func detectWakeup(content string) bool {
	for _, w := range wakeupWords {
		if strings.Contains(content, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func extractEntities(content string) []string {
	var entities []string

	for _, st := range storyTypeEntities {
		if strings.Contains(content, st) {
			entities = append(entities, "story_type:"+st)
		}
	}

	if containsAny(content, storyKeywords) {
		entities = append(entities, "story_intention")
	}
	if containsAny(content, educationKeywords) {
		entities = append(entities, "education_intention")
	}
	if containsAny(content, chatKeywords) {
		entities = append(entities, "chat_intention")
	}

	return entities
}

func classifyByKeywords(content string) types.Intent {
	storyScore := countMatches(content, storyKeywords)
	chatScore := countMatches(content, chatKeywords)
	eduScore := countMatches(content, educationKeywords)

	switch {
	case eduScore > storyScore && eduScore > chatScore:
		return types.IntentEducation
	case storyScore > chatScore:
		return types.IntentStory
	default:
		return types.IntentChat
	}
}

// modelAnalysis runs the model classification. Failures return a neutral
// chat result so keyword classification carries the decision.
func (r *Router) modelAnalysis(ctx context.Context, content string) modelAnalysis {
	neutral := modelAnalysis{PrimaryIntent: "chat", Confidence: 0.5}
	if r.client == nil {
		return neutral
	}

	reply, err := r.client.CompleteWithSystem(ctx,
		"你是一个专业的意图识别助手，严格按照JSON格式回复。",
		fmt.Sprintf(analysisPrompt, content))
	if err != nil {
		logging.IntentDebug("Model analysis failed: %v", err)
		neutral.Confidence = 0.3
		return neutral
	}

	var a modelAnalysis
	if err := json.Unmarshal([]byte(extractJSON(reply)), &a); err != nil {
		logging.IntentDebug("Model analysis returned unparseable JSON: %v", err)
		return neutral
	}
	if a.PrimaryIntent == "" {
		a.PrimaryIntent = "chat"
	}
	if a.Confidence <= 0 {
		a.Confidence = 0.5
	}
	return a
}

func determineFinal(keywordIntent types.Intent, analysis modelAnalysis, entities []string, wakeup bool) types.Intent {
	// A confident model wins outright
	if analysis.Confidence >= 0.8 {
		switch analysis.PrimaryIntent {
		case "chat":
			return types.IntentChat
		case "story":
			return types.IntentStory
		case "education":
			return types.IntentEducation
		}
	}

	if wakeup {
		return types.IntentStory
	}

	for _, e := range entities {
		if strings.HasPrefix(e, "story_type:") {
			return types.IntentStory
		}
	}
	if hasEntity(entities, "story_intention") {
		return types.IntentStory
	}
	if hasEntity(entities, "education_intention") {
		return types.IntentEducation
	}
	if hasEntity(entities, "chat_intention") {
		return types.IntentChat
	}

	return keywordIntent
}

func calculateConfidence(final, keywordIntent types.Intent, analysis modelAnalysis, entities []string, wakeup bool) float64 {
	base := 0.5
	if final == keywordIntent {
		base += 0.2
	}

	base = (base + analysis.Confidence) / 2

	entityBonus := float64(len(entities)) * 0.1
	if entityBonus > 0.3 {
		entityBonus = 0.3
	}
	base += entityBonus

	// An explicit wake word is an unambiguous request
	if wakeup {
		base += 0.2
	}

	if base > 1.0 {
		base = 1.0
	}
	if base < 0.1 {
		base = 0.1
	}
	return base
}

func buildReasoning(final, keywordIntent types.Intent, analysis modelAnalysis, entities []string) string {
	parts := []string{
		fmt.Sprintf("关键词分类结果: %s", keywordIntent),
		fmt.Sprintf("AI分析结果: %s", analysis.PrimaryIntent),
		fmt.Sprintf("提取实体: %s", strings.Join(entities, ", ")),
	}
	if final == keywordIntent {
		parts = append(parts, "关键词分类与最终结果一致")
	} else {
		parts = append(parts, "基于AI分析和实体信息调整了结果")
	}
	return strings.Join(parts, "；")
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

func countMatches(content string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			n++
		}
	}
	return n
}

func hasEntity(entities []string, name string) bool {
	for _, e := range entities {
		if e == name {
			return true
		}
	}
	return false
}

// extractJSON strips markdown fences the model may wrap around JSON.
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if start := strings.Index(reply, "{"); start >= 0 {
		if end := strings.LastIndex(reply, "}"); end > start {
			return reply[start : end+1]
		}
	}
	return reply
}
