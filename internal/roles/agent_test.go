package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/config"
	"storyloom/internal/safety"
	"storyloom/internal/types"
)

type stubClient struct {
	reply      string
	err        error
	lastPrompt string
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.lastPrompt = user
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func testRole() *types.RoleInstance {
	return &types.RoleInstance{
		RoleID:  "role_小魔法师_abc",
		WorldID: "world_1",
		Config: types.RoleConfig{
			Name:        "小魔法师",
			Personality: "勇敢而好奇",
			Background:  "魔法学校的学生",
			VoiceID:     "voice_7",
			Abilities:   []string{"简单魔法"},
		},
		Status: types.RoleActive,
	}
}

func TestRespondStaysInPersona(t *testing.T) {
	client := &stubClient{reply: "哇，我们一起去找魔法水晶吧！"}
	a := NewAgent(client, newTestStore(t), nil, 10, 3)

	resp, err := a.Respond(context.Background(), testRole(), "chapter_1",
		types.MemoryScope{UserID: "user_1"}, "我们去冒险吧", "开心")
	require.NoError(t, err)

	assert.Equal(t, "哇，我们一起去找魔法水晶吧！", resp.Content)
	assert.Equal(t, "小魔法师", resp.Tone.RoleName)
	assert.Equal(t, "开心", resp.Tone.Emotion)
	assert.Equal(t, "voice_7", resp.Tone.VoiceID)

	assert.Contains(t, client.lastPrompt, "你是小魔法师")
	assert.Contains(t, client.lastPrompt, "勇敢而好奇")
	assert.Contains(t, client.lastPrompt, "我们去冒险吧")
}

func TestRespondIncludesRecentTurns(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateChapter(&types.Chapter{
		ChapterID: "chapter_1", WorldID: "world_1", Index: 1, Status: types.ChapterOpen,
	}))
	_, err := st.AppendTurn("chapter_1", types.TurnEntry{Seq: 1, Speaker: "用户", Content: "你好呀"})
	require.NoError(t, err)
	_, err = st.AppendTurn("chapter_1", types.TurnEntry{Seq: 2, Speaker: "小魔法师", Content: "你好，欢迎来到魔法森林！"})
	require.NoError(t, err)

	client := &stubClient{reply: "我们继续吧"}
	a := NewAgent(client, st, nil, 10, 3)

	_, err = a.Respond(context.Background(), testRole(), "chapter_1",
		types.MemoryScope{UserID: "user_1"}, "然后呢", "")
	require.NoError(t, err)

	assert.Contains(t, client.lastPrompt, "欢迎来到魔法森林")
}

func TestRespondRecallsScopedMemories(t *testing.T) {
	st := newTestStore(t)
	scope := types.MemoryScope{UserID: "user_1", WorldID: "world_1", RoleID: "role_小魔法师_abc"}
	require.NoError(t, st.WriteMemory(context.Background(), &types.MemoryRecord{
		Scope: scope, Key: "preference", Payload: "小朋友最喜欢恐龙",
	}))

	client := &stubClient{reply: "恐龙朋友来了！"}
	a := NewAgent(client, st, nil, 10, 3)

	_, err := a.Respond(context.Background(), testRole(), "chapter_1", scope, "讲讲恐龙", "")
	require.NoError(t, err)

	assert.Contains(t, client.lastPrompt, "小朋友最喜欢恐龙")
}

func TestRespondGenerationFailureReturnsFiller(t *testing.T) {
	client := &stubClient{err: errors.New("backend down")}
	a := NewAgent(client, newTestStore(t), nil, 10, 3)

	resp, err := a.Respond(context.Background(), testRole(), "chapter_1",
		types.MemoryScope{UserID: "user_1"}, "我们去冒险吧", "")
	require.NoError(t, err)
	assert.Equal(t, confusedFiller, resp.Content)
}

func TestRespondUnsafeOutputReplaced(t *testing.T) {
	client := &stubClient{reply: "我们用暴力解决它！"}
	gate := safety.NewGate(config.SafetyConfig{CheckOutput: true}, nil)
	a := NewAgent(client, newTestStore(t), gate, 10, 3)

	resp, err := a.Respond(context.Background(), testRole(), "chapter_1",
		types.MemoryScope{UserID: "user_1"}, "然后呢", "")
	require.NoError(t, err)
	assert.Equal(t, rephraseFiller, resp.Content)
}

func TestRespondNilClient(t *testing.T) {
	a := NewAgent(nil, newTestStore(t), nil, 0, 0)

	resp, err := a.Respond(context.Background(), testRole(), "chapter_1",
		types.MemoryScope{UserID: "user_1"}, "你好", "")
	require.NoError(t, err)
	assert.Equal(t, confusedFiller, resp.Content)
}
