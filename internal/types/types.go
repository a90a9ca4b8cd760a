// Package types defines the shared entities of the storyloom orchestration
// core: sessions, story worlds, roles, chapters, memory records, and the
// per-turn request/response contract exchanged with the transport layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// INTENT
// =============================================================================

// Intent is the handling path chosen for a user turn.
type Intent string

const (
	IntentChat      Intent = "chat"
	IntentStory     Intent = "story"
	IntentEducation Intent = "education"
	IntentUnsafe    Intent = "unsafe"
)

// IntentResult is the Intent Router's classification of a single message.
type IntentResult struct {
	Intent         Intent   `json:"intent"`
	Confidence     float64  `json:"confidence"`
	WakeupDetected bool     `json:"wakeup_detected"`
	Emotion        string   `json:"emotion,omitempty"`
	Entities       []string `json:"entities,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// =============================================================================
// SESSION
// =============================================================================

// Session tracks one conversation across turns. The orchestrator is the only
// writer; sessions are never deleted by the core.
type Session struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	ActiveWorldID string    `json:"active_world_id,omitempty"`
	TurnCount     int       `json:"turn_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// =============================================================================
// STORY WORLD
// =============================================================================

// StoryWorld is the setting/ruleset container for an interactive story.
// Immutable after creation except for the append-only Themes extension.
type StoryWorld struct {
	WorldID    string    `json:"world_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Background string    `json:"background"`
	Rules      string    `json:"rules"`
	Features   []string  `json:"features,omitempty"`
	RoleNames  []string  `json:"role_names"`
	Themes     []string  `json:"themes"`
	TargetAge  string    `json:"target_age,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// ROLES
// =============================================================================

// RoleConfig is the immutable persona definition for one character within a
// world. It is a value object: the Role Agent never mutates it, regardless of
// what generated text claims.
type RoleConfig struct {
	Name           string   `json:"name"`
	Personality    string   `json:"personality"`
	Background     string   `json:"background"`
	AgeGroup       string   `json:"age_group,omitempty"`
	PromptTemplate string   `json:"prompt_template,omitempty"`
	VoiceID        string   `json:"voice_id,omitempty"`
	Abilities      []string `json:"abilities,omitempty"`
	SafetyRules    []string `json:"safety_rules,omitempty"`
}

// RoleStatus is the lifecycle state of a role instance.
type RoleStatus string

const (
	RoleActive  RoleStatus = "active"
	RoleIdle    RoleStatus = "idle"
	RoleRetired RoleStatus = "retired"
)

// RoleInstance is one live character within a world. Exclusively owned by the
// Role Factory, which is the only writer of Status. WorldID never changes
// after creation.
type RoleInstance struct {
	RoleID     string     `json:"role_id"`
	WorldID    string     `json:"world_id"`
	Config     RoleConfig `json:"config"`
	Status     RoleStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastActive time.Time  `json:"last_active"`
}

// =============================================================================
// CHAPTERS
// =============================================================================

// ChapterStatus is the narrative state of a chapter.
type ChapterStatus string

const (
	ChapterOpen    ChapterStatus = "open"
	ChapterClosing ChapterStatus = "closing"
	ChapterClosed  ChapterStatus = "closed"
)

// TurnEntry is one line of a chapter's turn log.
type TurnEntry struct {
	Seq       int       `json:"seq"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chapter is a bounded narrative segment. Exclusively owned by the Chapter
// Manager; at most one ActiveRoleID per open chapter.
type Chapter struct {
	ChapterID    string        `json:"chapter_id"`
	WorldID      string        `json:"world_id"`
	Index        int           `json:"index"`
	ActiveRoleID string        `json:"active_role_id,omitempty"`
	Status       ChapterStatus `json:"status"`
	TurnCount    int           `json:"turn_count"`
	Summary      string        `json:"summary,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryScope is the composite namespace isolating retrievable context.
// A record is visible only within its exact scope; Shared records written at
// world level are additionally visible to role scopes of the same world.
type MemoryScope struct {
	UserID  string `json:"user_id"`
	WorldID string `json:"world_id,omitempty"`
	RoleID  string `json:"role_id,omitempty"`
}

// Key renders the scope as the store's namespace string.
func (s MemoryScope) Key() string {
	var b strings.Builder
	b.WriteString("user:")
	b.WriteString(s.UserID)
	if s.WorldID != "" {
		b.WriteString("|world:")
		b.WriteString(s.WorldID)
	}
	if s.RoleID != "" {
		b.WriteString("|role:")
		b.WriteString(s.RoleID)
	}
	return b.String()
}

// WorldKey returns the scope key of the enclosing world scope, or "" when the
// scope has no world component. Used to resolve shared world-level facts from
// a role scope.
func (s MemoryScope) WorldKey() string {
	if s.WorldID == "" {
		return ""
	}
	return MemoryScope{UserID: s.UserID, WorldID: s.WorldID}.Key()
}

// MemoryRecord is one durable memory entry.
type MemoryRecord struct {
	ID        int64       `json:"id,omitempty"`
	Scope     MemoryScope `json:"scope"`
	Key       string      `json:"key"`
	Payload   string      `json:"payload"`
	Shared    bool        `json:"shared,omitempty"`
	TTLDays   int         `json:"ttl_days,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
}

// =============================================================================
// TURN CONTRACT
// =============================================================================

// TurnRequest is the inbound message from the transport layer.
type TurnRequest struct {
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

// WorldState is the story metadata echoed back to the caller.
type WorldState struct {
	WorldID string `json:"world_id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// TurnMetadata is the structured metadata attached to every response.
type TurnMetadata struct {
	Intent       Intent      `json:"intent"`
	Confidence   float64     `json:"confidence"`
	Emotion      string      `json:"emotion,omitempty"`
	WorldState   *WorldState `json:"world_state,omitempty"`
	ActiveRole   string      `json:"active_role,omitempty"`
	ChapterIndex int         `json:"chapter_index,omitempty"`
}

// TurnResponse is the outbound payload assembled by the orchestrator.
type TurnResponse struct {
	SessionID    string       `json:"session_id"`
	ResponseText string       `json:"response_text"`
	Metadata     TurnMetadata `json:"metadata"`
}

// =============================================================================
// TONE
// =============================================================================

// ToneMetadata annotates a role response with delivery hints.
type ToneMetadata struct {
	Emotion  string `json:"emotion"`
	RoleName string `json:"role_name"`
	VoiceID  string `json:"voice_id,omitempty"`
}

// RoleResponse is the Role Agent's output for one turn.
type RoleResponse struct {
	Content string       `json:"content"`
	Tone    ToneMetadata `json:"tone"`
}

// NewID builds a prefixed identifier, e.g. NewID("world", "ab12cd34").
func NewID(kind, suffix string) string {
	return fmt.Sprintf("%s_%s", kind, suffix)
}
