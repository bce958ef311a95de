package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor/internal/suggestion"
)

// SuggestionRepo persists and queries Suggestion records.
type SuggestionRepo struct {
	db *DB
}

// Suggestions returns a repository bound to db.
func (d *DB) Suggestions() *SuggestionRepo { return &SuggestionRepo{db: d} }

// Insert persists a new draft Suggestion. Callers must not call Insert
// for a non-draft suggestion; use Approve/Deploy/Reject to advance
// status (automation_yaml stays null while status=draft).
func (r *SuggestionRepo) Insert(s suggestion.Suggestion) error {
	capsJSON, err := json.Marshal(s.DeviceCapabilities)
	if err != nil {
		return fmt.Errorf("marshal device capabilities: %w", err)
	}

	_, err = r.db.conn.Exec(`
		INSERT INTO suggestions (suggestion_id, pattern_id, status, description_only,
			device_capabilities_json, refinement_count, automation_yaml, category, priority,
			confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
		s.SuggestionID, s.PatternID, string(s.Status), s.DescriptionOnly,
		string(capsJSON), s.RefinementCount, string(s.Category), string(s.Priority),
		s.Confidence, s.CreatedAt.UTC().UnixMilli(), s.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert suggestion %s: %w", s.SuggestionID, err)
	}
	return nil
}

// UpdateDraft persists a description/refinement-count change on a
// suggestion still in draft status. It refuses to
// touch a row that has already advanced past draft.
func (r *SuggestionRepo) UpdateDraft(s suggestion.Suggestion, now time.Time) error {
	res, err := r.db.conn.Exec(`
		UPDATE suggestions SET description_only = ?, refinement_count = ?, updated_at = ?
		WHERE suggestion_id = ? AND status = 'draft'`,
		s.DescriptionOnly, s.RefinementCount, now.UTC().UnixMilli(), s.SuggestionID)
	if err != nil {
		return fmt.Errorf("update draft %s: %w", s.SuggestionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update draft %s: not found or not draft", s.SuggestionID)
	}
	return nil
}

// Approve sets automation_yaml (immutably) and advances status
// to approved. Fails if the suggestion is not currently draft.
func (r *SuggestionRepo) Approve(id, automationYAML string, now time.Time) error {
	res, err := r.db.conn.Exec(`
		UPDATE suggestions SET status = 'approved', automation_yaml = ?, approved_at = ?, updated_at = ?
		WHERE suggestion_id = ? AND status = 'draft'`,
		automationYAML, now.UTC().UnixMilli(), now.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("approve suggestion %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("approve suggestion %s: not found or not draft", id)
	}
	return nil
}

// Deploy marks an approved suggestion deployed, recording the hub's
// external automation id.
func (r *SuggestionRepo) Deploy(id, externalAutomationID string, now time.Time) error {
	res, err := r.db.conn.Exec(`
		UPDATE suggestions SET status = 'deployed', external_automation_id = ?, deployed_at = ?, updated_at = ?
		WHERE suggestion_id = ? AND status = 'approved'`,
		externalAutomationID, now.UTC().UnixMilli(), now.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("deploy suggestion %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deploy suggestion %s: not found or not approved", id)
	}
	return nil
}

// Reject marks a suggestion rejected from any non-terminal status.
func (r *SuggestionRepo) Reject(id string, now time.Time) error {
	_, err := r.db.conn.Exec(`
		UPDATE suggestions SET status = 'rejected', updated_at = ?
		WHERE suggestion_id = ? AND status IN ('draft', 'approved')`,
		now.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("reject suggestion %s: %w", id, err)
	}
	return nil
}

// ByID returns the suggestion with the given ID.
func (r *SuggestionRepo) ByID(id string) (suggestion.Suggestion, error) {
	row := r.db.conn.QueryRow(`
		SELECT suggestion_id, pattern_id, status, description_only, device_capabilities_json,
			refinement_count, automation_yaml, category, priority, confidence,
			created_at, updated_at, approved_at, deployed_at, external_automation_id
		FROM suggestions WHERE suggestion_id = ?`, id)
	return scanSuggestion(row)
}

// ByStatus returns every suggestion with the given status.
func (r *SuggestionRepo) ByStatus(status suggestion.Status) ([]suggestion.Suggestion, error) {
	rows, err := r.db.conn.Query(`
		SELECT suggestion_id, pattern_id, status, description_only, device_capabilities_json,
			refinement_count, automation_yaml, category, priority, confidence,
			created_at, updated_at, approved_at, deployed_at, external_automation_id
		FROM suggestions WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query suggestions by status: %w", err)
	}
	defer rows.Close()

	var out []suggestion.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSuggestion(s scanner) (suggestion.Suggestion, error) {
	var out suggestion.Suggestion
	var status, capsJSON, category, priority string
	var automationYAML, externalID sql.NullString
	var createdAt, updatedAt int64
	var approvedAt, deployedAt sql.NullInt64

	if err := s.Scan(&out.SuggestionID, &out.PatternID, &status, &out.DescriptionOnly, &capsJSON,
		&out.RefinementCount, &automationYAML, &category, &priority, &out.Confidence,
		&createdAt, &updatedAt, &approvedAt, &deployedAt, &externalID); err != nil {
		return out, fmt.Errorf("scan suggestion: %w", err)
	}

	out.Status = suggestion.Status(status)
	out.Category = suggestion.Category(category)
	out.Priority = suggestion.Priority(priority)
	_ = json.Unmarshal([]byte(capsJSON), &out.DeviceCapabilities)

	if automationYAML.Valid {
		v := automationYAML.String
		out.AutomationYAML = &v
	}
	out.CreatedAt = time.UnixMilli(createdAt).UTC()
	out.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if approvedAt.Valid {
		t := time.UnixMilli(approvedAt.Int64).UTC()
		out.ApprovedAt = &t
	}
	if deployedAt.Valid {
		t := time.UnixMilli(deployedAt.Int64).UTC()
		out.DeployedAt = &t
	}
	if externalID.Valid {
		v := externalID.String
		out.ExternalAutomationID = &v
	}
	return out, nil
}
