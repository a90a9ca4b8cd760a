// Package orchestrator coordinates one conversation turn end to end:
// intent routing, safety gating, emotion analysis, and dispatch to the
// chat, education, or story path. Turns within a session are serialized;
// different sessions proceed concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storyloom/internal/chapter"
	"storyloom/internal/config"
	"storyloom/internal/emotion"
	"storyloom/internal/intent"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/roles"
	"storyloom/internal/safety"
	"storyloom/internal/store"
	"storyloom/internal/types"
	"storyloom/internal/world"
)

// refusalReply answers any turn the safety gate rejects.
const refusalReply = "抱歉，我无法回应这个内容。让我们聊点别的有趣的话题吧！"

// chatFiller answers chat turns when every backend is down.
const chatFiller = "我在听呢，你再说一次好吗？"

const chatSystemPrompt = "你是贝贝，一个温柔友善的儿童陪伴助手。用简单、温暖、适合儿童的语言回应，内容积极向上。"

const educationSystemPrompt = "你是贝贝，一个耐心的儿童启蒙老师。用简单有趣的方式讲解知识，多用比喻和例子，鼓励孩子提问。"

// Engine is the per-process orchestration core.
type Engine struct {
	cfg      *config.Config
	store    *store.LocalStore
	client   llm.Client
	router   *intent.Router
	gate     *safety.Gate
	analyzer *emotion.Analyzer
	worlds   *world.Builder
	factory  *roles.Factory
	agent    *roles.Agent
	chapters *chapter.Manager

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewEngine wires the orchestration core. client may be nil, in which case
// every path degrades to its keyword or template behavior.
func NewEngine(cfg *config.Config, st *store.LocalStore, client llm.Client) *Engine {
	gate := safety.NewGate(cfg.Safety, client)
	return &Engine{
		cfg:      cfg,
		store:    st,
		client:   client,
		router:   intent.NewRouter(client, cfg.Story.ConfidenceThreshold),
		gate:     gate,
		analyzer: emotion.NewAnalyzer(client),
		worlds:   world.NewBuilder(client, gate, st),
		factory:  roles.NewFactory(st, cfg.Story.MaxRolesPerWorld),
		agent:    roles.NewAgent(client, st, gate, cfg.Story.TurnWindow, cfg.Memory.TopK),
		chapters: chapter.NewManager(st, client, cfg.Story.ChapterTurnCap),

		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// sessionLock serializes turns within one session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	return lock
}

// ProcessTurn handles one user message and always returns a speakable
// response; only storage failures surface as errors.
func (e *Engine) ProcessTurn(ctx context.Context, req types.TurnRequest) (*types.TurnResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("turn request missing user id")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = types.NewID("session", shortID())
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := e.loadOrCreateSession(sessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategorySession, "process_turn")
	defer timer.StopWithThreshold(10 * time.Second)

	// the gate runs before anything that would hand raw user content to a
	// model backend
	if verdict := e.gate.CheckInput(ctx, req.Content); !verdict.Safe {
		logging.SafetyWarn("Turn rejected for session %s: %s", sessionID, verdict.Reason)
		rejected := types.IntentResult{Intent: types.IntentUnsafe, Confidence: 1.0}
		return e.finishTurn(session, refusalReply, rejected, nil, "", 0)
	}

	// intent and emotion are independent reads of the same message
	var (
		intentResult types.IntentResult
		mood         emotion.Analysis
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		intentResult = e.router.Classify(gctx, req.Content)
		return nil
	})
	g.Go(func() error {
		mood = e.analyzer.Analyze(gctx, req.Content)
		return nil
	})
	_ = g.Wait()
	intentResult.Emotion = mood.Emotion

	logging.Session("Session %s turn %d: intent=%s confidence=%.2f emotion=%s",
		sessionID, session.TurnCount+1, intentResult.Intent, intentResult.Confidence, mood.Emotion)

	switch intentResult.Intent {
	case types.IntentStory:
		return e.storyTurn(ctx, session, req, intentResult)
	case types.IntentEducation:
		return e.conversationTurn(ctx, session, req, intentResult, educationSystemPrompt)
	default:
		return e.conversationTurn(ctx, session, req, intentResult, chatSystemPrompt)
	}
}

// conversationTurn answers chat and education turns directly, with the
// user's recalled memories as context.
func (e *Engine) conversationTurn(ctx context.Context, session *types.Session, req types.TurnRequest, intentResult types.IntentResult, systemPrompt string) (*types.TurnResponse, error) {
	reply := chatFiller
	if e.client != nil {
		prompt := req.Content
		scope := types.MemoryScope{UserID: session.UserID, WorldID: session.ActiveWorldID}
		if records, err := e.store.SearchMemory(ctx, scope, req.Content, e.cfg.Memory.TopK); err != nil {
			logging.MemoryError("Memory recall failed for %s: %v", session.SessionID, err)
		} else if len(records) > 0 {
			var b strings.Builder
			b.WriteString("你记得关于这个小朋友的事情：\n")
			for _, rec := range records {
				b.WriteString("- ")
				b.WriteString(rec.Payload)
				b.WriteString("\n")
			}
			b.WriteString("\n小朋友说：")
			b.WriteString(req.Content)
			prompt = b.String()
		}

		out, err := e.client.CompleteWithSystem(ctx, systemPrompt, prompt)
		if err != nil {
			logging.SessionError("Conversation reply failed for %s: %v", session.SessionID, err)
		} else if out = strings.TrimSpace(out); out != "" {
			reply = out
		}
	}
	return e.finishTurn(session, reply, intentResult, nil, "", 0)
}

// storyTurn runs the story path: first story turn creates a world, later
// ones advance the active chapter through the selected role.
func (e *Engine) storyTurn(ctx context.Context, session *types.Session, req types.TurnRequest, intentResult types.IntentResult) (*types.TurnResponse, error) {
	if session.ActiveWorldID == "" {
		return e.createWorldTurn(ctx, session, req, intentResult)
	}

	w, err := e.store.GetWorld(session.ActiveWorldID)
	if err != nil {
		return nil, fmt.Errorf("load active world: %w", err)
	}

	ch, err := e.chapters.EnsureOpen(w.WorldID)
	if err != nil {
		return nil, err
	}

	live, err := e.factory.ListLive(w.WorldID)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		if _, err := e.factory.SeedDefaults(w.WorldID); err != nil {
			return nil, err
		}
		if live, err = e.factory.ListLive(w.WorldID); err != nil {
			return nil, err
		}
	}

	role := e.chapters.SelectActiveRole(ch, live, req.Content)
	if role == nil {
		return nil, fmt.Errorf("world %s has no live roles", w.WorldID)
	}
	if role.RoleID != ch.ActiveRoleID {
		if ch.ActiveRoleID != "" {
			if err := e.factory.Deactivate(ch.ActiveRoleID); err != nil {
				logging.RolesWarn("Deactivating role %s failed: %v", ch.ActiveRoleID, err)
			}
		}
		if err := e.factory.Activate(role.RoleID); err != nil {
			return nil, err
		}
		if err := e.chapters.SetActiveRole(ch, role.RoleID); err != nil {
			return nil, err
		}
	}

	scope := types.MemoryScope{UserID: session.UserID, WorldID: w.WorldID, RoleID: role.RoleID}
	resp, err := e.agent.Respond(ctx, role, ch.ChapterID, scope, req.Content, intentResult.Emotion)
	if err != nil {
		return nil, err
	}

	if err := e.chapters.CommitTurn(ch, req.Content, role.Config.Name, resp.Content); err != nil {
		return nil, err
	}
	closed, err := e.chapters.Advance(ctx, ch, scope, req.Content)
	if err != nil {
		return nil, err
	}

	e.rememberExchange(ctx, scope, req.Content, role.Config.Name, resp.Content)

	reply := resp.Content
	if closed {
		reply += "\n\n这一章的故事讲完啦！下次我们可以继续新的冒险。"
	}

	ws := &types.WorldState{WorldID: w.WorldID, Name: w.Name, Type: w.Type}
	return e.finishTurn(session, reply, intentResult, ws, role.Config.Name, ch.Index)
}

// createWorldTurn builds a new world from the child's description and
// introduces its starter roles.
func (e *Engine) createWorldTurn(ctx context.Context, session *types.Session, req types.TurnRequest, intentResult types.IntentResult) (*types.TurnResponse, error) {
	w, err := e.worlds.CreateWorld(ctx, session.UserID, req.Content, "")
	if err != nil {
		return nil, err
	}
	seeded, err := e.factory.SeedDefaults(w.WorldID)
	if err != nil {
		return nil, err
	}
	if _, err := e.chapters.EnsureOpen(w.WorldID); err != nil {
		return nil, err
	}

	session.ActiveWorldID = w.WorldID

	var names []string
	for _, role := range seeded {
		names = append(names, role.Config.Name)
	}
	reply := fmt.Sprintf("太好了！我们来到了《%s》！%s", w.Name, w.Background)
	if len(names) > 0 {
		reply += fmt.Sprintf("\n%s都在这里等你，我们开始冒险吧！", strings.Join(names, "和"))
	}

	ws := &types.WorldState{WorldID: w.WorldID, Name: w.Name, Type: w.Type}
	return e.finishTurn(session, reply, intentResult, ws, "", 1)
}

// rememberExchange stores the turn as role-scoped history with a TTL so
// future chapters can recall it. Memory failure never fails the turn.
func (e *Engine) rememberExchange(ctx context.Context, scope types.MemoryScope, userContent, roleName, roleContent string) {
	rec := &types.MemoryRecord{
		Scope:   scope,
		Key:     "conversation",
		Payload: fmt.Sprintf("用户说：%s。%s回应：%s", userContent, roleName, roleContent),
		TTLDays: e.cfg.Memory.HistoryTTLDays,
	}
	if err := e.store.WriteMemory(ctx, rec); err != nil {
		logging.MemoryError("Recording exchange for %s failed: %v", scope.Key(), err)
	}
}

// finishTurn persists the session counter and assembles the response.
func (e *Engine) finishTurn(session *types.Session, reply string, intentResult types.IntentResult, ws *types.WorldState, activeRole string, chapterIndex int) (*types.TurnResponse, error) {
	session.TurnCount++
	if err := e.store.UpdateSession(session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	return &types.TurnResponse{
		SessionID:    session.SessionID,
		ResponseText: reply,
		Metadata: types.TurnMetadata{
			Intent:       intentResult.Intent,
			Confidence:   intentResult.Confidence,
			Emotion:      intentResult.Emotion,
			WorldState:   ws,
			ActiveRole:   activeRole,
			ChapterIndex: chapterIndex,
		},
	}, nil
}

func (e *Engine) loadOrCreateSession(sessionID, userID string) (*types.Session, error) {
	session, err := e.store.GetSession(sessionID)
	if err == nil {
		return session, nil
	}

	session = &types.Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logging.Session("Created session %s for user %s", sessionID, userID)
	return session, nil
}

// EndSession closes the session's open chapter and releases its lock.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()

	var endErr error
	session, err := e.store.GetSession(sessionID)
	if err == nil && session.ActiveWorldID != "" {
		if ch, err := e.store.GetOpenChapter(session.ActiveWorldID); err == nil {
			scope := types.MemoryScope{UserID: session.UserID, WorldID: session.ActiveWorldID}
			if err := e.chapters.Close(ctx, ch, scope); err != nil {
				endErr = err
			}
			if ch.ActiveRoleID != "" {
				if err := e.factory.Deactivate(ch.ActiveRoleID); err != nil {
					logging.RolesWarn("Deactivating role %s failed: %v", ch.ActiveRoleID, err)
				}
			}
		}
	}
	lock.Unlock()

	e.mu.Lock()
	delete(e.sessionLocks, sessionID)
	e.mu.Unlock()

	logging.Session("Ended session %s", sessionID)
	return endErr
}

// Stats reports store table counts plus live session locks.
func (e *Engine) Stats() (map[string]int64, error) {
	stats, err := e.store.GetStats()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	stats["live_sessions"] = int64(len(e.sessionLocks))
	e.mu.Unlock()
	return stats, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
