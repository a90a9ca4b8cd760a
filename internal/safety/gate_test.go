package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"storyloom/internal/config"
)

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return s.Complete(ctx, user)
}

func TestBlockedTermRejectsWithoutModel(t *testing.T) {
	client := &stubClient{reply: "安全"}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "我想听关于暴力的故事")
	assert.False(t, v.Safe)
	assert.Equal(t, "blocklist", v.Stage)
	assert.Equal(t, 0, client.calls, "blocklist hits never reach the model")
}

func TestCleanContentSkipsModel(t *testing.T) {
	client := &stubClient{reply: "安全"}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "我想听一个魔法森林的故事")
	assert.True(t, v.Safe)
	assert.Equal(t, "clean", v.Stage)
	assert.Equal(t, 0, client.calls)
}

func TestCautionTermEscalatesToModel(t *testing.T) {
	client := &stubClient{reply: "安全\n原因: 儿童故事中常见的情节"}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "小兔子和小狐狸打架了吗")
	assert.True(t, v.Safe)
	assert.True(t, v.Escalated)
	assert.Equal(t, 1, client.calls)
}

func TestModelRejectionHonored(t *testing.T) {
	client := &stubClient{reply: "不安全\n原因: 内容含有恐吓元素"}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "讲一个很恐怖的鬼故事")
	assert.False(t, v.Safe)
	assert.Equal(t, "内容含有恐吓元素", v.Reason)
}

func TestModelFailureFailsClosed(t *testing.T) {
	client := &stubClient{err: errors.New("backend down")}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "讲一个鬼故事")
	assert.False(t, v.Safe, "judgment failure must reject, never pass")
}

func TestStrictModeEscalatesEverything(t *testing.T) {
	client := &stubClient{reply: "安全"}
	gate := NewGate(config.SafetyConfig{StrictMode: true}, client)

	v := gate.CheckInput(context.Background(), "今天天气真好")
	assert.True(t, v.Safe)
	assert.True(t, v.Escalated)
	assert.Equal(t, 1, client.calls)
}

func TestExtraBlockedTermsMerged(t *testing.T) {
	gate := NewGate(config.SafetyConfig{ExtraBlocked: []string{"禁止词"}}, &stubClient{reply: "安全"})

	v := gate.CheckInput(context.Background(), "这句话包含禁止词")
	assert.False(t, v.Safe)
	assert.Equal(t, "blocklist", v.Stage)
}

func TestCheckOutputDisabled(t *testing.T) {
	client := &stubClient{reply: "安全"}
	gate := NewGate(config.SafetyConfig{CheckOutput: false}, client)

	v := gate.CheckOutput(context.Background(), "含有恐怖元素的输出")
	assert.True(t, v.Safe)
	assert.Equal(t, 0, client.calls)
}

func TestCheckOutputEnabled(t *testing.T) {
	client := &stubClient{reply: "不安全\n原因: 不适合儿童"}
	gate := NewGate(config.SafetyConfig{CheckOutput: true}, client)

	v := gate.CheckOutput(context.Background(), "这段输出提到了恐怖的场景")
	assert.False(t, v.Safe)
}

func TestNilClientFailsClosedOnEscalation(t *testing.T) {
	gate := NewGate(config.SafetyConfig{}, nil)

	v := gate.CheckInput(context.Background(), "小朋友害怕打雷")
	assert.False(t, v.Safe)
}

func TestUnparseableVerdictIsUnsafe(t *testing.T) {
	client := &stubClient{reply: "嗯，这个问题很复杂"}
	gate := NewGate(config.SafetyConfig{}, client)

	v := gate.CheckInput(context.Background(), "讲个鬼故事")
	assert.False(t, v.Safe)
}
