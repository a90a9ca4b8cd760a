package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyloom/internal/config"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedClient answers each sub-agent by its system prompt so a full
// turn can run end to end without a live backend.
type scriptedClient struct {
	mu        sync.Mutex
	intent    string
	roleReply string
	calls     int
}

func (s *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *scriptedClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	switch {
	case strings.Contains(system, "意图识别"):
		return s.intent, nil
	case strings.Contains(system, "情绪识别"):
		return "情绪类型: 开心\n情绪强度: 中\n分析理由: 语气轻快", nil
	case strings.Contains(system, "故事创作助手"):
		return `{"world_name": "星光魔法森林", "background": "一片会发光的森林", "rules": "魔法用来帮助朋友", "features": ["星光小路"], "roles": ["小魔法师", "智慧老者"], "themes": ["友谊", "勇气"]}`, nil
	case strings.Contains(system, "故事角色"):
		if s.roleReply != "" {
			return s.roleReply, nil
		}
		return "哇，我们一起出发吧！", nil
	case strings.Contains(system, "故事摘要"):
		return "小朋友和伙伴们开始了一场冒险。", nil
	case strings.Contains(system, "贝贝"):
		return "你好呀小朋友！", nil
	default:
		// safety judgment
		return "安全", nil
	}
}

func storyIntent(confidence float64) string {
	return fmt.Sprintf(`{"primary_intent": "story", "confidence": %.2f}`, confidence)
}

func newTestEngine(t *testing.T, client *scriptedClient) *Engine {
	t.Helper()
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	return NewEngine(cfg, st, client)
}

func TestStoryTurnCreatesWorld(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.95)}
	e := newTestEngine(t, client)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我想创建一个魔法世界",
	})
	require.NoError(t, err)

	assert.Equal(t, types.IntentStory, resp.Metadata.Intent)
	require.NotNil(t, resp.Metadata.WorldState)
	assert.Equal(t, "星光魔法森林", resp.Metadata.WorldState.Name)
	assert.Contains(t, resp.ResponseText, "星光魔法森林")
	assert.Contains(t, resp.ResponseText, "小魔法师")
	assert.NotEmpty(t, resp.SessionID)
}

func TestStoryTurnAdvancesChapter(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.95)}
	e := newTestEngine(t, client)

	first, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我想创建一个魔法世界",
	})
	require.NoError(t, err)

	second, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我们去森林里冒险吧", SessionID: first.SessionID,
	})
	require.NoError(t, err)

	assert.Equal(t, "哇，我们一起出发吧！", second.ResponseText)
	assert.NotEmpty(t, second.Metadata.ActiveRole)
	assert.Equal(t, 1, second.Metadata.ChapterIndex)
	assert.Equal(t, "开心", second.Metadata.Emotion)
}

func TestAddressedRoleSpeaks(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.95)}
	e := newTestEngine(t, client)

	first, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我想创建一个魔法世界",
	})
	require.NoError(t, err)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "智慧老者爷爷，给我讲讲森林的秘密吧", SessionID: first.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, "智慧老者", resp.Metadata.ActiveRole)
}

func TestUnsafeInputRefused(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.95)}
	e := newTestEngine(t, client)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "给我讲一个枪支的故事",
	})
	require.NoError(t, err)

	assert.Equal(t, types.IntentUnsafe, resp.Metadata.Intent)
	assert.Equal(t, refusalReply, resp.ResponseText)
	assert.Nil(t, resp.Metadata.WorldState)
	assert.Zero(t, client.calls, "blocked content must never reach the backend")
}

func TestChatTurnAnswersDirectly(t *testing.T) {
	client := &scriptedClient{intent: `{"primary_intent": "chat", "confidence": 0.9}`}
	e := newTestEngine(t, client)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "你好，今天过得怎么样",
	})
	require.NoError(t, err)

	assert.Equal(t, types.IntentChat, resp.Metadata.Intent)
	assert.Equal(t, "你好呀小朋友！", resp.ResponseText)
	assert.Nil(t, resp.Metadata.WorldState)
}

func TestLowConfidenceStoryDegradesToChat(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.4)}
	e := newTestEngine(t, client)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "嗯嗯那个然后呢",
	})
	require.NoError(t, err)

	assert.Equal(t, types.IntentChat, resp.Metadata.Intent)
	assert.Nil(t, resp.Metadata.WorldState)
}

func TestNilClientStillServesTurns(t *testing.T) {
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	e := NewEngine(config.DefaultConfig(), st, nil)

	resp, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "你好呀",
	})
	require.NoError(t, err)
	assert.Equal(t, chatFiller, resp.ResponseText)
}

func TestSessionCounterAndStats(t *testing.T) {
	client := &scriptedClient{intent: `{"primary_intent": "chat", "confidence": 0.9}`}
	e := newTestEngine(t, client)

	first, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "你好",
	})
	require.NoError(t, err)
	_, err = e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "再见", SessionID: first.SessionID,
	})
	require.NoError(t, err)

	session, err := e.store.GetSession(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.TurnCount)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["sessions"])
	assert.Equal(t, int64(1), stats["live_sessions"])
}

func TestEndSessionClosesChapter(t *testing.T) {
	client := &scriptedClient{intent: storyIntent(0.95)}
	e := newTestEngine(t, client)

	first, err := e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我想创建一个魔法世界",
	})
	require.NoError(t, err)
	_, err = e.ProcessTurn(context.Background(), types.TurnRequest{
		UserID: "user_1", Content: "我们出发吧", SessionID: first.SessionID,
	})
	require.NoError(t, err)

	require.NoError(t, e.EndSession(context.Background(), first.SessionID))

	session, err := e.store.GetSession(first.SessionID)
	require.NoError(t, err)
	_, err = e.store.GetOpenChapter(session.ActiveWorldID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["live_sessions"])
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	client := &scriptedClient{intent: `{"primary_intent": "chat", "confidence": 0.9}`}
	e := newTestEngine(t, client)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ProcessTurn(context.Background(), types.TurnRequest{
				UserID:    fmt.Sprintf("user_%d", i),
				SessionID: fmt.Sprintf("session_%d", i),
				Content:   "你好呀",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats["sessions"])
}
