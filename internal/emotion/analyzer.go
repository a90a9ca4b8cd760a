// Package emotion detects the feeling a child expresses in a message so the
// response can acknowledge it. A keyword pass handles the common cases; a
// model pass refines ambiguous messages when a backend is available.
package emotion

import (
	"context"
	"fmt"
	"strings"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
)

// Analysis is the outcome of emotion detection.
type Analysis struct {
	Emotion   string // one of the known emotion labels, or "未知"
	Intensity string // 低 / 中 / 高
	Reason    string
}

// emotionKeywords maps each known emotion to trigger words.
var emotionKeywords = map[string][]string{
	"开心": {"开心", "高兴", "快乐", "喜欢", "太棒了", "好玩"},
	"难过": {"难过", "伤心", "哭", "想哭", "不开心"},
	"愤怒": {"生气", "讨厌", "烦", "气死"},
	"害怕": {"害怕", "怕", "吓", "可怕"},
	"惊讶": {"哇", "真的吗", "没想到", "居然"},
	"焦虑": {"紧张", "担心", "不安"},
	"孤独": {"孤单", "没人", "一个人", "寂寞"},
	"兴奋": {"兴奋", "迫不及待", "好期待"},
	"困惑": {"为什么", "不懂", "不明白", "奇怪"},
}

// Emotions lists the labels the analyzer can return.
func Emotions() []string {
	labels := make([]string, 0, len(emotionKeywords))
	for e := range emotionKeywords {
		labels = append(labels, e)
	}
	return labels
}

const analyzePrompt = `请分析以下孩子表达的内容中体现的情绪：
"%s"

可能的情绪类型包括：%s

请按以下格式回复：
情绪类型: [主要情绪]
情绪强度: [低/中/高]
分析理由: [简要说明判断依据]`

// Analyzer detects emotions in child messages.
type Analyzer struct {
	client llm.Client // optional, nil keeps detection keyword-only
}

// NewAnalyzer creates an emotion analyzer. A nil client is allowed.
func NewAnalyzer(client llm.Client) *Analyzer {
	return &Analyzer{client: client}
}

// Analyze returns the detected emotion. Detection never fails: when both the
// keyword pass and the model pass come up empty the result is "未知".
func (a *Analyzer) Analyze(ctx context.Context, content string) Analysis {
	if emotion, ok := detectByKeyword(content); ok {
		logging.IntentDebug("Emotion keyword match: %s", emotion)
		return Analysis{Emotion: emotion, Intensity: "中", Reason: "关键词匹配"}
	}

	if a.client == nil {
		return Analysis{Emotion: "未知", Intensity: "中"}
	}

	labels := strings.Join(Emotions(), ", ")
	reply, err := a.client.CompleteWithSystem(ctx,
		"你是一个儿童情绪识别专家，严格按照要求格式回复。",
		fmt.Sprintf(analyzePrompt, content, labels))
	if err != nil {
		logging.IntentDebug("Emotion model analysis failed: %v", err)
		return Analysis{Emotion: "未知", Intensity: "中"}
	}

	return parseAnalysis(reply)
}

func detectByKeyword(content string) (string, bool) {
	for emotion, keywords := range emotionKeywords {
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				return emotion, true
			}
		}
	}
	return "", false
}

// parseAnalysis reads the line-per-field model reply.
func parseAnalysis(reply string) Analysis {
	result := Analysis{Emotion: "未知", Intensity: "中"}

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "情绪类型:"):
			result.Emotion = strings.TrimSpace(strings.TrimPrefix(line, "情绪类型:"))
		case strings.HasPrefix(line, "情绪强度:"):
			result.Intensity = strings.TrimSpace(strings.TrimPrefix(line, "情绪强度:"))
		case strings.HasPrefix(line, "分析理由:"):
			result.Reason = strings.TrimSpace(strings.TrimPrefix(line, "分析理由:"))
		}
	}

	if _, known := emotionKeywords[result.Emotion]; !known {
		result.Emotion = "未知"
	}
	return result
}
