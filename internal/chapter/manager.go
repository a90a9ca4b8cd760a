// Package chapter drives the story chapter state machine. A world has at
// most one non-closed chapter; chapters open on demand, move to closing
// when the story heads toward a resolution, and close either on an explicit
// ending or when the turn cap forces one. Closing a chapter produces a
// summary that is written back as shared world memory so later chapters
// can pick the story up.
package chapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// ProgressMemoryKey names the shared memory record holding chapter
// summaries.
const ProgressMemoryKey = "story_progress"

// resolutionMarkers signal the child wants the story to wrap up.
var resolutionMarkers = []string{
	"故事讲完了",
	"结束吧",
	"大结局",
	"圆满结束",
	"不想听了",
	"下次再讲",
	"我要睡觉了",
	"再见",
}

// Manager owns chapter lifecycle for all worlds. Callers serialize per
// session, so the manager itself holds no locks.
type Manager struct {
	store   *store.LocalStore
	client  llm.Client
	turnCap int
}

// NewManager creates a chapter manager. turnCap bounds exchanges per
// chapter.
func NewManager(st *store.LocalStore, client llm.Client, turnCap int) *Manager {
	if turnCap <= 0 {
		turnCap = 20
	}
	return &Manager{store: st, client: client, turnCap: turnCap}
}

// EnsureOpen returns the world's current chapter, opening the next one when
// none is live.
func (m *Manager) EnsureOpen(worldID string) (*types.Chapter, error) {
	ch, err := m.store.GetOpenChapter(worldID)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("load open chapter: %w", err)
	}

	maxIndex, err := m.store.MaxChapterIndex(worldID)
	if err != nil {
		return nil, fmt.Errorf("next chapter index: %w", err)
	}

	ch = &types.Chapter{
		ChapterID: types.NewID("chapter", shortID()),
		WorldID:   worldID,
		Index:     maxIndex + 1,
		Status:    types.ChapterOpen,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateChapter(ch); err != nil {
		return nil, fmt.Errorf("create chapter: %w", err)
	}

	logging.Chapter("Opened chapter %s (index %d) in world %s", ch.ChapterID, ch.Index, worldID)
	return ch, nil
}

// SelectActiveRole picks who speaks this turn. A role addressed by name in
// the message always wins; otherwise speaking rotates through the live
// roles in creation order.
func (m *Manager) SelectActiveRole(ch *types.Chapter, live []*types.RoleInstance, message string) *types.RoleInstance {
	if len(live) == 0 {
		return nil
	}

	folded := strings.ToLower(message)
	for _, role := range live {
		if strings.Contains(folded, strings.ToLower(role.Config.Name)) {
			logging.ChapterDebug("Role %s addressed by name", role.Config.Name)
			return role
		}
	}

	if ch.ActiveRoleID == "" {
		return live[0]
	}
	for i, role := range live {
		if role.RoleID == ch.ActiveRoleID {
			return live[(i+1)%len(live)]
		}
	}
	return live[0]
}

// CommitTurn records one user/role exchange. Replaying a sequence number is
// a no-op, so a retried turn never double-counts.
func (m *Manager) CommitTurn(ch *types.Chapter, userContent, roleName, roleContent string) error {
	now := time.Now()
	base := ch.TurnCount * 2

	applied, err := m.store.AppendTurn(ch.ChapterID, types.TurnEntry{
		Seq: base + 1, Speaker: "用户", Content: userContent, Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}
	if _, err := m.store.AppendTurn(ch.ChapterID, types.TurnEntry{
		Seq: base + 2, Speaker: roleName, Content: roleContent, Timestamp: now,
	}); err != nil {
		return fmt.Errorf("append role turn: %w", err)
	}
	if !applied {
		return nil
	}

	ch.TurnCount++
	return m.store.UpdateChapter(ch)
}

// Advance moves the state machine after a committed exchange and returns
// whether the chapter closed. An ending marker moves an open chapter to
// closing and closes a closing one; hitting the turn cap closes the chapter
// outright.
func (m *Manager) Advance(ctx context.Context, ch *types.Chapter, scope types.MemoryScope, userContent string) (bool, error) {
	ending := wantsEnding(userContent)

	switch {
	case ch.TurnCount >= m.turnCap:
		logging.Chapter("Chapter %s hit turn cap %d, closing", ch.ChapterID, m.turnCap)
		return true, m.Close(ctx, ch, scope)
	case ch.Status == types.ChapterClosing && ending:
		return true, m.Close(ctx, ch, scope)
	case ch.Status == types.ChapterClosing:
		// one more exchange to say goodbye, then the cap clause above
		// or the next marker closes it
		return false, nil
	case ending:
		ch.Status = types.ChapterClosing
		logging.Chapter("Chapter %s moving to closing", ch.ChapterID)
		return false, m.store.UpdateChapter(ch)
	default:
		return false, nil
	}
}

// Close summarizes the chapter, marks it closed, and stores the summary as
// shared world memory under ProgressMemoryKey.
func (m *Manager) Close(ctx context.Context, ch *types.Chapter, scope types.MemoryScope) error {
	summary := m.summarize(ctx, ch)

	ch.Status = types.ChapterClosed
	ch.ActiveRoleID = ""
	ch.Summary = summary
	if err := m.store.UpdateChapter(ch); err != nil {
		return fmt.Errorf("close chapter: %w", err)
	}

	if summary != "" {
		rec := &types.MemoryRecord{
			Scope:   types.MemoryScope{UserID: scope.UserID, WorldID: ch.WorldID},
			Key:     ProgressMemoryKey,
			Payload: fmt.Sprintf("第%d章：%s", ch.Index, summary),
			Shared:  true,
		}
		if err := m.store.WriteMemory(ctx, rec); err != nil {
			logging.ChapterDebug("Storing summary for %s failed: %v", ch.ChapterID, err)
		}
	}

	logging.Chapter("Closed chapter %s after %d turns", ch.ChapterID, ch.TurnCount)
	return nil
}

// SetActiveRole records the current speaker on the chapter.
func (m *Manager) SetActiveRole(ch *types.Chapter, roleID string) error {
	if ch.ActiveRoleID == roleID {
		return nil
	}
	ch.ActiveRoleID = roleID
	return m.store.UpdateChapter(ch)
}

const summaryPrompt = `为下面的故事章节生成一个简短的摘要：

%s

要求：
1. 摘要长度在50-100字之间
2. 保持故事连贯性
3. 突出重要事件和情感
4. 适合儿童理解

摘要：`

// summarize condenses the chapter's turns. Failures yield an empty summary
// rather than blocking the close.
func (m *Manager) summarize(ctx context.Context, ch *types.Chapter) string {
	if m.client == nil {
		return ""
	}

	turns, err := m.store.ListRecentTurns(ch.ChapterID, 0)
	if err != nil || len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Speaker)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}

	summary, err := m.client.CompleteWithSystem(ctx,
		"你是一个故事摘要助手，擅长简洁地总结故事情节。",
		fmt.Sprintf(summaryPrompt, b.String()))
	if err != nil {
		logging.ChapterDebug("Summarizing chapter %s failed: %v", ch.ChapterID, err)
		return ""
	}
	return strings.TrimSpace(summary)
}

func wantsEnding(content string) bool {
	for _, marker := range resolutionMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
