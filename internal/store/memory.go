// Package store - scoped memory records with semantic recall.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"storyloom/internal/embedding"
	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// WriteMemory persists one memory record. When an embedding engine is
// configured the payload is embedded first; an embedding failure degrades
// the record to keyword-only recall rather than losing it. Database errors
// surface as ErrMemoryUnavailable.
func (s *LocalStore) WriteMemory(ctx context.Context, rec *types.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var embeddingJSON interface{}
	if s.embeddingEngine != nil {
		vec, err := s.embeddingEngine.Embed(ctx, rec.Payload)
		if err != nil {
			logging.MemoryError("Embedding failed for key %s, storing keyword-only: %v", rec.Key, err)
		} else {
			data, err := json.Marshal(vec)
			if err == nil {
				embeddingJSON = string(data)
			}
		}
	}

	var expiresAt interface{}
	if rec.TTLDays > 0 {
		expiresAt = rec.CreatedAt.AddDate(0, 0, rec.TTLDays)
	}

	scopeKey := rec.Scope.Key()
	worldKey := rec.Scope.WorldKey()

	res, err := s.db.Exec(
		`INSERT INTO memory_records (scope_key, world_scope_key, key, payload, shared, embedding, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		scopeKey, nullable(worldKey), rec.Key, rec.Payload, boolToInt(rec.Shared), embeddingJSON, expiresAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrMemoryUnavailable, err)
	}

	rec.ID, _ = res.LastInsertId()
	logging.Memory("Wrote memory record %d key=%s scope=%s shared=%v", rec.ID, rec.Key, scopeKey, rec.Shared)
	return nil
}

// SearchMemory retrieves up to topK records relevant to the query, visible
// from the given scope. Visibility covers the exact scope plus shared
// records written at the enclosing world scope. Ranking uses cosine
// similarity when embeddings are available, keyword overlap otherwise.
func (s *LocalStore) SearchMemory(ctx context.Context, scope types.MemoryScope, query string, topK int) ([]*types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 {
		topK = 3
	}

	candidates, err := s.visibleRecords(scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMemoryUnavailable, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if s.embeddingEngine != nil {
		results, err := s.rankSemantic(ctx, query, candidates, topK)
		if err == nil {
			return results, nil
		}
		logging.MemoryError("Semantic recall failed, falling back to keywords: %v", err)
	}

	return rankKeyword(query, candidates, topK), nil
}

type memoryCandidate struct {
	record    *types.MemoryRecord
	embedding []float32
}

// visibleRecords loads live records visible from the scope.
func (s *LocalStore) visibleRecords(scope types.MemoryScope) ([]memoryCandidate, error) {
	scopeKey := scope.Key()
	worldKey := scope.WorldKey()

	query := `SELECT id, key, payload, shared, embedding, created_at FROM memory_records
	          WHERE (expires_at IS NULL OR expires_at > ?) AND (scope_key = ?`
	args := []interface{}{time.Now().UTC(), scopeKey}
	if worldKey != "" && worldKey != scopeKey {
		query += ` OR (world_scope_key = ? AND shared = 1 AND scope_key = ?)`
		args = append(args, worldKey, worldKey)
	}
	query += `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []memoryCandidate
	for rows.Next() {
		rec := &types.MemoryRecord{Scope: scope}
		var shared int
		var embeddingJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Payload, &shared, &embeddingJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Shared = shared == 1

		c := memoryCandidate{record: rec}
		if embeddingJSON.Valid {
			json.Unmarshal([]byte(embeddingJSON.String), &c.embedding)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// rankSemantic orders candidates by cosine similarity to the query.
func (s *LocalStore) rankSemantic(ctx context.Context, query string, candidates []memoryCandidate, topK int) ([]*types.MemoryRecord, error) {
	queryVec, err := s.embeddingEngine.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	corpus := make([][]float32, len(candidates))
	for i, c := range candidates {
		corpus[i] = c.embedding
	}

	top := embedding.FindTopK(queryVec, corpus, topK)
	results := make([]*types.MemoryRecord, 0, len(top))
	for _, r := range top {
		results = append(results, candidates[r.Index].record)
	}

	// Candidates without embeddings were skipped by FindTopK; pad with
	// keyword matches so degraded records stay reachable.
	if len(results) < topK {
		seen := make(map[int64]bool, len(results))
		for _, r := range results {
			seen[r.ID] = true
		}
		var rest []memoryCandidate
		for _, c := range candidates {
			if !seen[c.record.ID] && c.embedding == nil {
				rest = append(rest, c)
			}
		}
		for _, r := range rankKeyword(query, rest, topK-len(results)) {
			results = append(results, r)
		}
	}

	return results, nil
}

// rankKeyword orders candidates by character-bigram overlap with the query.
// Chinese text rarely has spaces, so whitespace tokens are useless here;
// rune bigrams catch shared words like 恐龙 regardless of segmentation.
func rankKeyword(query string, candidates []memoryCandidate, topK int) []*types.MemoryRecord {
	type scored struct {
		record *types.MemoryRecord
		score  int
	}

	q := strings.ToLower(strings.TrimSpace(query))
	grams := charBigrams(q)
	var ranked []scored
	for _, c := range candidates {
		payload := strings.ToLower(c.record.Payload)
		score := 0
		for g := range grams {
			if strings.Contains(payload, g) {
				score++
			}
		}
		if len(grams) == 0 && q != "" && strings.Contains(payload, q) {
			// Query too short for bigrams, fall back to direct containment
			score++
		}
		if score > 0 {
			ranked = append(ranked, scored{record: c.record, score: score})
		}
	}

	// Highest score first, newest breaks ties
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[i].score ||
				(ranked[j].score == ranked[i].score && ranked[j].record.CreatedAt.After(ranked[i].record.CreatedAt)) {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	results := make([]*types.MemoryRecord, len(ranked))
	for i, r := range ranked {
		results[i] = r.record
	}
	return results
}

// charBigrams returns the set of adjacent rune pairs, skipping any pair
// that spans whitespace.
func charBigrams(s string) map[string]bool {
	grams := make(map[string]bool)
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		if unicode.IsSpace(runes[i]) || unicode.IsSpace(runes[i+1]) {
			continue
		}
		grams[string(runes[i:i+2])] = true
	}
	return grams
}

// ReadLatest returns the newest record with the given key in the exact
// scope, or types.ErrNotFound.
func (s *LocalStore) ReadLatest(scope types.MemoryScope, key string) (*types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &types.MemoryRecord{Scope: scope, Key: key}
	var shared int
	err := s.db.QueryRow(
		`SELECT id, payload, shared, created_at FROM memory_records
		 WHERE scope_key = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id DESC LIMIT 1`,
		scope.Key(), key, time.Now().UTC(),
	).Scan(&rec.ID, &rec.Payload, &shared, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory key %s: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMemoryUnavailable, err)
	}
	rec.Shared = shared == 1
	return rec, nil
}

// PurgeExpired deletes records past their TTL. Returns the number removed.
func (s *LocalStore) PurgeExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM memory_records WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrMemoryUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Memory("Purged %d expired memory records", n)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
