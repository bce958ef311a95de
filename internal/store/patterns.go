package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor/internal/patterns"
)

// PatternRepo persists and queries Pattern records.
type PatternRepo struct {
	db *DB
}

// Patterns returns a repository bound to db.
func (d *DB) Patterns() *PatternRepo { return &PatternRepo{db: d} }

// Upsert inserts or replaces a Pattern by its PatternID.
func (r *PatternRepo) Upsert(p patterns.Pattern) error {
	seqJSON, err := json.Marshal(p.Sequence)
	if err != nil {
		return fmt.Errorf("marshal sequence: %w", err)
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.conn.Exec(`
		INSERT INTO patterns (pattern_id, pattern_type, device_id, device_pair_a, device_pair_b,
			sequence_json, confidence, occurrences, metadata_json, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			pattern_type=excluded.pattern_type, device_id=excluded.device_id,
			device_pair_a=excluded.device_pair_a, device_pair_b=excluded.device_pair_b,
			sequence_json=excluded.sequence_json, confidence=excluded.confidence,
			occurrences=excluded.occurrences, metadata_json=excluded.metadata_json,
			last_seen=excluded.last_seen`,
		p.PatternID, string(p.PatternType), p.DeviceID, p.DevicePair[0], p.DevicePair[1],
		string(seqJSON), p.Confidence, p.Occurrences, string(metaJSON),
		p.FirstSeen.UTC().UnixMilli(), p.LastSeen.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert pattern %s: %w", p.PatternID, err)
	}
	return nil
}

// UpsertAll persists every pattern, stopping at the first failure.
func (r *PatternRepo) UpsertAll(ps []patterns.Pattern) error {
	for _, p := range ps {
		if err := r.Upsert(p); err != nil {
			return err
		}
	}
	return nil
}

// Unsuggested returns patterns at or above minConfidence that have no
// suggestion row referencing them yet, newest first.
func (r *PatternRepo) Unsuggested(minConfidence float64) ([]patterns.Pattern, error) {
	rows, err := r.db.conn.Query(`
		SELECT p.pattern_id, p.pattern_type, p.device_id, p.device_pair_a, p.device_pair_b,
			p.sequence_json, p.confidence, p.occurrences, p.metadata_json, p.first_seen, p.last_seen
		FROM patterns p
		LEFT JOIN suggestions s ON s.pattern_id = p.pattern_id
		WHERE s.suggestion_id IS NULL AND p.confidence >= ?
		ORDER BY p.last_seen DESC`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("query unsuggested patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// ByID returns the pattern with the given ID.
func (r *PatternRepo) ByID(id string) (patterns.Pattern, error) {
	row := r.db.conn.QueryRow(`
		SELECT pattern_id, pattern_type, device_id, device_pair_a, device_pair_b,
			sequence_json, confidence, occurrences, metadata_json, first_seen, last_seen
		FROM patterns WHERE pattern_id = ?`, id)
	return scanPatternRow(row)
}

func scanPatterns(rows *sql.Rows) ([]patterns.Pattern, error) {
	var out []patterns.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(s scanner) (patterns.Pattern, error) {
	var p patterns.Pattern
	var ptype, pairA, pairB, seqJSON, metaJSON string
	var firstSeen, lastSeen int64
	if err := s.Scan(&p.PatternID, &ptype, &p.DeviceID, &pairA, &pairB,
		&seqJSON, &p.Confidence, &p.Occurrences, &metaJSON, &firstSeen, &lastSeen); err != nil {
		return p, fmt.Errorf("scan pattern: %w", err)
	}
	p.PatternType = patterns.Type(ptype)
	p.DevicePair = [2]string{pairA, pairB}
	_ = json.Unmarshal([]byte(seqJSON), &p.Sequence)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	p.FirstSeen = time.UnixMilli(firstSeen).UTC()
	p.LastSeen = time.UnixMilli(lastSeen).UTC()
	return p, nil
}

func scanPatternRow(row *sql.Row) (patterns.Pattern, error) {
	return scanPattern(row)
}
