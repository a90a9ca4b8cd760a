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

// SaveRole inserts or replaces a role instance.
func (s *LocalStore) SaveRole(r *types.RoleInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastActive.IsZero() {
		r.LastActive = now
	}

	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal role config: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO roles (role_id, world_id, config_json, status, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RoleID, r.WorldID, string(cfg), string(r.Status), r.CreatedAt, r.LastActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}

	logging.RolesDebug("Saved role %s (%s) in world %s status=%s", r.RoleID, r.Config.Name, r.WorldID, r.Status)
	return nil
}

// GetRole loads a role by ID. Returns types.ErrNotFound when absent.
func (s *LocalStore) GetRole(roleID string) (*types.RoleInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r types.RoleInstance
	var cfgJSON, status string
	err := s.db.QueryRow(
		`SELECT role_id, world_id, config_json, status, created_at, last_active
		 FROM roles WHERE role_id = ?`, roleID,
	).Scan(&r.RoleID, &r.WorldID, &cfgJSON, &status, &r.CreatedAt, &r.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", roleID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load role: %w", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("failed to decode role config: %w", err)
	}
	r.Status = types.RoleStatus(status)
	return &r, nil
}

// ListRoles returns the non-retired roles of a world, oldest first.
func (s *LocalStore) ListRoles(worldID string) ([]*types.RoleInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT role_id, world_id, config_json, status, created_at, last_active
		 FROM roles WHERE world_id = ? AND status != 'retired' ORDER BY created_at ASC`, worldID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*types.RoleInstance
	for rows.Next() {
		var r types.RoleInstance
		var cfgJSON, status string
		if err := rows.Scan(&r.RoleID, &r.WorldID, &cfgJSON, &status, &r.CreatedAt, &r.LastActive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
			return nil, fmt.Errorf("failed to decode role config: %w", err)
		}
		r.Status = types.RoleStatus(status)
		roles = append(roles, &r)
	}
	return roles, rows.Err()
}

// UpdateRoleStatus writes a role's lifecycle state, refreshing last_active
// when the role becomes active.
func (s *LocalStore) UpdateRoleStatus(roleID string, status types.RoleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if status == types.RoleActive {
		res, err = s.db.Exec(
			`UPDATE roles SET status = ?, last_active = ? WHERE role_id = ?`,
			string(status), time.Now().UTC(), roleID,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE roles SET status = ? WHERE role_id = ?`, string(status), roleID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update role status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role %s: %w", roleID, types.ErrNotFound)
	}
	return nil
}

// TouchRole refreshes a role's last_active timestamp.
func (s *LocalStore) TouchRole(roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE roles SET last_active = ? WHERE role_id = ?`, time.Now().UTC(), roleID)
	if err != nil {
		return fmt.Errorf("failed to touch role: %w", err)
	}
	return nil
}
