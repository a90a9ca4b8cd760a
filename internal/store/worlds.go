package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// CreateWorld persists a new story world. Worlds are immutable after
// creation except for theme extension via AppendWorldThemes.
func (s *LocalStore) CreateWorld(w *types.StoryWorld) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	features, _ := json.Marshal(w.Features)
	roleNames, _ := json.Marshal(w.RoleNames)
	themes, _ := json.Marshal(w.Themes)

	_, err := s.db.Exec(
		`INSERT INTO worlds (world_id, user_id, name, type, background, rules,
		   features_json, role_names_json, themes_json, target_age, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WorldID, w.UserID, w.Name, w.Type, w.Background, w.Rules,
		string(features), string(roleNames), string(themes), w.TargetAge, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create world: %w", err)
	}

	logging.World("Created world %s (%s) for user %s", w.WorldID, w.Name, w.UserID)
	return nil
}

// GetWorld loads a world by ID. Returns types.ErrNotFound when absent.
func (s *LocalStore) GetWorld(worldID string) (*types.StoryWorld, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorldLocked(worldID)
}

func (s *LocalStore) getWorldLocked(worldID string) (*types.StoryWorld, error) {
	var w types.StoryWorld
	var features, roleNames, themes sql.NullString
	err := s.db.QueryRow(
		`SELECT world_id, user_id, name, type, background, rules,
		   features_json, role_names_json, themes_json, target_age, created_at
		 FROM worlds WHERE world_id = ?`, worldID,
	).Scan(&w.WorldID, &w.UserID, &w.Name, &w.Type, &w.Background, &w.Rules,
		&features, &roleNames, &themes, &w.TargetAge, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("world %s: %w", worldID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load world: %w", err)
	}

	if features.Valid {
		json.Unmarshal([]byte(features.String), &w.Features)
	}
	if roleNames.Valid {
		json.Unmarshal([]byte(roleNames.String), &w.RoleNames)
	}
	if themes.Valid {
		json.Unmarshal([]byte(themes.String), &w.Themes)
	}
	return &w, nil
}

// ListWorlds returns all worlds owned by a user, newest first.
func (s *LocalStore) ListWorlds(userID string) ([]*types.StoryWorld, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT world_id FROM worlds WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list worlds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	worlds := make([]*types.StoryWorld, 0, len(ids))
	for _, id := range ids {
		w, err := s.getWorldLocked(id)
		if err != nil {
			return nil, err
		}
		worlds = append(worlds, w)
	}
	return worlds, nil
}

// AppendWorldThemes extends a world's theme list. Existing themes are never
// removed or reordered; duplicates are dropped.
func (s *LocalStore) AppendWorldThemes(worldID string, themes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.getWorldLocked(worldID)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(w.Themes))
	for _, t := range w.Themes {
		existing[t] = true
	}

	merged := w.Themes
	for _, t := range themes {
		if t != "" && !existing[t] {
			merged = append(merged, t)
			existing[t] = true
		}
	}

	data, _ := json.Marshal(merged)
	_, err = s.db.Exec(`UPDATE worlds SET themes_json = ? WHERE world_id = ?`, string(data), worldID)
	if err != nil {
		return fmt.Errorf("failed to append themes: %w", err)
	}
	return nil
}
