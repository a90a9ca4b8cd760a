package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"storyloom/internal/types"
)

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestWakeupWordTriggersStory(t *testing.T) {
	client := &stubClient{reply: `{"primary_intent": "chat", "confidence": 0.5}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "贝贝你好，我们来玩游戏吧")

	assert.True(t, result.WakeupDetected)
	assert.Equal(t, types.IntentStory, result.Intent)
}

func TestBareWakeupWordNeverDegrades(t *testing.T) {
	r := NewRouter(nil, 0.8)

	// a lone wake word carries little other signal, yet it must still
	// enter story mode
	result := r.Classify(context.Background(), "贝贝")

	assert.True(t, result.WakeupDetected)
	assert.Equal(t, types.IntentStory, result.Intent)
}

func TestStoryKeywordsClassifyAsStory(t *testing.T) {
	client := &stubClient{reply: `{"primary_intent": "story", "confidence": 0.9, "explanation": "明确的故事创建请求"}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "我想创建一个魔法世界的冒险故事")

	assert.Equal(t, types.IntentStory, result.Intent)
	assert.Contains(t, result.Entities, "story_type:魔法")
	assert.GreaterOrEqual(t, result.Confidence, 0.8)
}

func TestChatGreetingClassifiesAsChat(t *testing.T) {
	client := &stubClient{reply: `{"primary_intent": "chat", "confidence": 0.9}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "你好，今天天气怎么样")

	assert.Equal(t, types.IntentChat, result.Intent)
}

func TestEducationKeywordsClassifyAsEducation(t *testing.T) {
	client := &stubClient{reply: `{"primary_intent": "education", "confidence": 0.9}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "教我数数，从一数到十")

	assert.Equal(t, types.IntentEducation, result.Intent)
	assert.Contains(t, result.Entities, "education_intention")
}

func TestConfidentModelOverridesKeywords(t *testing.T) {
	// Keywords lean chat, but the model is sure this is a story turn
	client := &stubClient{reply: `{"primary_intent": "story", "confidence": 0.95}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "你好呀，然后呢")

	assert.Equal(t, types.IntentStory, result.Intent)
}

func TestModelFailureDegradesToKeywordResult(t *testing.T) {
	client := &stubClient{err: errors.New("backend down")}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "你好，谢谢你")

	assert.Equal(t, types.IntentChat, result.Intent)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestUnparseableModelReplyFallsBack(t *testing.T) {
	client := &stubClient{reply: "这不是JSON"}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "今天过得怎么样")

	assert.Equal(t, types.IntentChat, result.Intent)
}

func TestLowConfidenceStoryDegradesToChat(t *testing.T) {
	// Model weakly suggests story with no story keywords present
	client := &stubClient{reply: `{"primary_intent": "story", "confidence": 0.4}`}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "嗯嗯那个魔法")

	// story_type:魔法 entity pushes toward story, but overall confidence
	// stays under the threshold so the turn remains chat
	if result.Intent == types.IntentChat {
		assert.Less(t, result.Confidence, 0.8)
	}
}

func TestNilClientKeywordOnly(t *testing.T) {
	r := NewRouter(nil, 0.8)

	result := r.Classify(context.Background(), "给我讲一个恐龙的童话故事")

	assert.Equal(t, types.IntentStory, result.Intent)
	assert.True(t, result.Confidence >= 0.1 && result.Confidence <= 1.0)
}

func TestMarkdownFencedJSONParsed(t *testing.T) {
	client := &stubClient{reply: "```json\n{\"primary_intent\": \"education\", \"confidence\": 0.92}\n```"}
	r := NewRouter(client, 0.8)

	result := r.Classify(context.Background(), "为什么天空是蓝色的")

	assert.Equal(t, types.IntentEducation, result.Intent)
}
