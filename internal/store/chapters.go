package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// CreateChapter persists a new chapter row.
func (s *LocalStore) CreateChapter(c *types.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO chapters (chapter_id, world_id, chapter_index, active_role_id, status, turn_count, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChapterID, c.WorldID, c.Index, nullable(c.ActiveRoleID), string(c.Status), c.TurnCount, c.Summary, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create chapter: %w", err)
	}

	logging.Chapter("Created chapter %s (index %d) in world %s", c.ChapterID, c.Index, c.WorldID)
	return nil
}

// GetChapter loads a chapter by ID. Returns types.ErrNotFound when absent.
func (s *LocalStore) GetChapter(chapterID string) (*types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanChapter(s.db.QueryRow(
		`SELECT chapter_id, world_id, chapter_index, active_role_id, status, turn_count, summary, created_at
		 FROM chapters WHERE chapter_id = ?`, chapterID))
}

// GetOpenChapter returns the world's open or closing chapter, if any.
// Returns types.ErrNotFound when every chapter is closed.
func (s *LocalStore) GetOpenChapter(worldID string) (*types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanChapter(s.db.QueryRow(
		`SELECT chapter_id, world_id, chapter_index, active_role_id, status, turn_count, summary, created_at
		 FROM chapters WHERE world_id = ? AND status != 'closed'
		 ORDER BY chapter_index DESC LIMIT 1`, worldID))
}

// MaxChapterIndex returns the highest chapter index in a world, or 0 when
// the world has no chapters.
func (s *LocalStore) MaxChapterIndex(worldID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(chapter_index) FROM chapters WHERE world_id = ?`, worldID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query chapter index: %w", err)
	}
	return int(max.Int64), nil
}

func (s *LocalStore) scanChapter(row *sql.Row) (*types.Chapter, error) {
	var c types.Chapter
	var activeRole, summary sql.NullString
	var status string
	err := row.Scan(&c.ChapterID, &c.WorldID, &c.Index, &activeRole, &status, &c.TurnCount, &summary, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}
	c.ActiveRoleID = activeRole.String
	c.Status = types.ChapterStatus(status)
	c.Summary = summary.String
	return &c, nil
}

// UpdateChapter writes back the mutable chapter fields.
func (s *LocalStore) UpdateChapter(c *types.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE chapters SET active_role_id = ?, status = ?, turn_count = ?, summary = ?
		 WHERE chapter_id = ?`,
		nullable(c.ActiveRoleID), string(c.Status), c.TurnCount, c.Summary, c.ChapterID,
	)
	if err != nil {
		return fmt.Errorf("failed to update chapter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %s: %w", c.ChapterID, types.ErrNotFound)
	}
	return nil
}

// AppendTurn commits one turn to a chapter's log. The INSERT OR IGNORE
// against UNIQUE(chapter_id, seq) makes duplicate commits no-ops, so a
// replayed turn never double-counts. Returns true when the row was new.
func (s *LocalStore) AppendTurn(chapterID string, turn types.TurnEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO chapter_turns (chapter_id, seq, speaker, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chapterID, turn.Seq, turn.Speaker, turn.Content, turn.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append turn: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		logging.ChapterDebug("Turn %d already committed for chapter %s, skipping", turn.Seq, chapterID)
		return false, nil
	}
	return true, nil
}

// ListRecentTurns returns the last `limit` turns of a chapter in seq order.
// limit <= 0 returns all turns.
func (s *LocalStore) ListRecentTurns(chapterID string, limit int) ([]types.TurnEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT seq, speaker, content, created_at FROM chapter_turns
	          WHERE chapter_id = ? ORDER BY seq DESC`
	args := []interface{}{chapterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []types.TurnEntry
	for rows.Next() {
		var t types.TurnEntry
		if err := rows.Scan(&t.Seq, &t.Speaker, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending seq order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
