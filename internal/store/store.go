// Package store is the single durable-write path for review state. The
// orchestrator owns all mutations; external readers get eventually
// consistent queries. Every mutating operation is idempotent under
// redelivery: re-invoking with the same arguments leaves identical state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// ErrNotFound is returned when a requested review does not exist.
var ErrNotFound = errors.New("review not found")

// Store persists reviews, findings, and remediations.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// New connects to the database, configures the pool, and runs migrations.
func New(cfg config.DatabaseConfig, log *logging.Logger) (*Store, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration())

	s := &Store{
		db:  db,
		log: log.Named("store"),
	}

	if err := s.migrate(cfg.Driver); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.Info(context.Background(), "store initialized", zap.String("driver", cfg.Driver))
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(driver string) error {
	if driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL,
		language TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		run_handle TEXT NOT NULL DEFAULT '',
		total_findings_raw INTEGER NOT NULL DEFAULT 0,
		total_findings_filtered INTEGER NOT NULL DEFAULT 0,
		noise_reduction_percent REAL NOT NULL DEFAULT 0,
		current_stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		review_id TEXT NOT NULL REFERENCES reviews(id),
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location_start_line INTEGER NOT NULL DEFAULT 0,
		location_end_line INTEGER NOT NULL DEFAULT 0,
		location_snippet TEXT NOT NULL DEFAULT '',
		cwe_id TEXT,
		owasp_category TEXT,
		is_reachable BOOLEAN NOT NULL DEFAULT FALSE,
		has_user_input_path BOOLEAN NOT NULL DEFAULT FALSE,
		data_flow_path TEXT NOT NULL DEFAULT '[]',
		sanitizers_in_path TEXT NOT NULL DEFAULT '[]',
		false_positive_reason TEXT,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		approved_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS remediations (
		id TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL REFERENCES findings(id),
		review_id TEXT NOT NULL REFERENCES reviews(id),
		original_code TEXT NOT NULL DEFAULT '',
		fixed_code TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		diff_hunks TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_findings_review_id ON findings(review_id);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_remediations_finding ON remediations(finding_id);
	CREATE INDEX IF NOT EXISTS idx_remediations_review_id ON remediations(review_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_user_id ON reviews(user_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateReview inserts a new review in pending state. Re-inserting the
// same id is a no-op so submission retries cannot duplicate a run.
func (s *Store) CreateReview(ctx context.Context, r *review.Review) error {
	query := `
		INSERT INTO reviews (
			id, user_id, code, language, status, created_at, updated_at,
			run_handle, total_findings_raw, total_findings_filtered,
			noise_reduction_percent, current_stage, error
		) VALUES (
			:id, :user_id, :code, :language, :status, :created_at, :updated_at,
			:run_handle, :total_findings_raw, :total_findings_filtered,
			:noise_reduction_percent, :current_stage, :error
		)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}

	s.log.Info(logging.WithReviewID(ctx, r.ID), "review created",
		zap.String("user_id", r.UserID),
		zap.String("language", r.Language),
	)
	return nil
}

// SetRunHandle records the identifier of the in-flight checkpointed
// execution so approval events can be routed to it.
func (s *Store) SetRunHandle(ctx context.Context, reviewID, handle string) error {
	return s.execOnReview(ctx, reviewID,
		`UPDATE reviews SET run_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC(), reviewID)
}

// UpdateStatus moves a review to a new status and stage, recording the
// triggering error for failed reviews. Idempotent: repeating the same
// transition rewrites the same values.
func (s *Store) UpdateStatus(ctx context.Context, reviewID string, status review.Status, stage, errText string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	err := s.execOnReview(ctx, reviewID,
		`UPDATE reviews SET status = ?, current_stage = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), stage, errText, time.Now().UTC(), reviewID)
	if err != nil {
		return err
	}

	s.log.Info(logging.WithReviewID(ctx, reviewID), "review status updated",
		zap.String("status", string(status)),
		zap.String("stage", stage),
	)
	return nil
}

// findingRow is the flat DB shape of a review.Finding.
type findingRow struct {
	ID                  string         `db:"id"`
	ReviewID            string         `db:"review_id"`
	Category            string         `db:"category"`
	Severity            string         `db:"severity"`
	Title               string         `db:"title"`
	Description         string         `db:"description"`
	LocationStartLine   int            `db:"location_start_line"`
	LocationEndLine     int            `db:"location_end_line"`
	LocationSnippet     string         `db:"location_snippet"`
	CWEID               sql.NullString `db:"cwe_id"`
	OWASPCategory       sql.NullString `db:"owasp_category"`
	IsReachable         bool           `db:"is_reachable"`
	HasUserInputPath    bool           `db:"has_user_input_path"`
	DataFlowPath        string         `db:"data_flow_path"`
	SanitizersInPath    string         `db:"sanitizers_in_path"`
	FalsePositiveReason sql.NullString `db:"false_positive_reason"`
	Approved            bool           `db:"approved"`
	ApprovedAt          sql.NullTime   `db:"approved_at"`
}

func toFindingRow(reviewID string, f review.Finding) (findingRow, error) {
	pathJSON, err := json.Marshal(orEmptyPath(f.DataFlowPath))
	if err != nil {
		return findingRow{}, fmt.Errorf("failed to marshal data flow path: %w", err)
	}
	sanitizersJSON, err := json.Marshal(orEmptySanitizers(f.SanitizersInPath))
	if err != nil {
		return findingRow{}, fmt.Errorf("failed to marshal sanitizers: %w", err)
	}

	row := findingRow{
		ID:                f.ID,
		ReviewID:          reviewID,
		Category:          string(f.Category),
		Severity:          string(f.Severity),
		Title:             f.Title,
		Description:       f.Description,
		LocationStartLine: f.Location.StartLine,
		LocationEndLine:   f.Location.EndLine,
		LocationSnippet:   f.Location.Snippet,
		IsReachable:       f.IsReachable,
		HasUserInputPath:  f.HasUserInputPath,
		DataFlowPath:      string(pathJSON),
		SanitizersInPath:  string(sanitizersJSON),
		Approved:          f.Approved,
	}
	if f.CWEID != "" {
		row.CWEID = sql.NullString{String: f.CWEID, Valid: true}
	}
	if f.OWASPCategory != "" {
		row.OWASPCategory = sql.NullString{String: f.OWASPCategory, Valid: true}
	}
	if f.FalsePositiveReason != "" {
		row.FalsePositiveReason = sql.NullString{String: f.FalsePositiveReason, Valid: true}
	}
	if f.ApprovedAt != nil {
		row.ApprovedAt = sql.NullTime{Time: *f.ApprovedAt, Valid: true}
	}
	return row, nil
}

func (r findingRow) toFinding() (review.Finding, error) {
	f := review.Finding{
		RawFinding: review.RawFinding{
			ID:          r.ID,
			Category:    review.Category(r.Category),
			Severity:    review.Severity(r.Severity),
			Title:       r.Title,
			Description: r.Description,
			Location: review.Location{
				StartLine: r.LocationStartLine,
				EndLine:   r.LocationEndLine,
				Snippet:   r.LocationSnippet,
			},
			CWEID:         r.CWEID.String,
			OWASPCategory: r.OWASPCategory.String,
		},
		IsReachable:         r.IsReachable,
		HasUserInputPath:    r.HasUserInputPath,
		FalsePositiveReason: r.FalsePositiveReason.String,
		Approved:            r.Approved,
	}
	if err := json.Unmarshal([]byte(r.DataFlowPath), &f.DataFlowPath); err != nil {
		return f, fmt.Errorf("failed to unmarshal data flow path: %w", err)
	}
	if err := json.Unmarshal([]byte(r.SanitizersInPath), &f.SanitizersInPath); err != nil {
		return f, fmt.Errorf("failed to unmarshal sanitizers: %w", err)
	}
	if len(f.DataFlowPath) == 0 {
		f.DataFlowPath = nil
	}
	if len(f.SanitizersInPath) == 0 {
		f.SanitizersInPath = nil
	}
	if r.ApprovedAt.Valid {
		t := r.ApprovedAt.Time
		f.ApprovedAt = &t
	}
	return f, nil
}

func orEmptyPath(p []review.PathNode) []review.PathNode {
	if p == nil {
		return []review.PathNode{}
	}
	return p
}

func orEmptySanitizers(s []review.Sanitizer) []review.Sanitizer {
	if s == nil {
		return []review.Sanitizer{}
	}
	return s
}

// StoreFindings upserts every finding and overwrites the review's
// aggregate statistics in one transaction. Counts and the noise reduction
// percentage are recomputed from the arguments on every call, never
// incrementally updated, which makes redelivery harmless.
func (s *Store) StoreFindings(ctx context.Context, reviewID string, findings []review.Finding, syn review.Synthesis) error {
	recomputed := review.Synthesize(syn.TotalRaw, findings)
	recomputed.Summary = syn.Summary

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Stats first: a zero rows-affected update distinguishes an unknown
	// review from a finding constraint violation.
	statsQuery := tx.Rebind(`
		UPDATE reviews SET
			total_findings_raw = ?,
			total_findings_filtered = ?,
			noise_reduction_percent = ?,
			updated_at = ?
		WHERE id = ?
	`)
	res, err := tx.ExecContext(ctx, statsQuery,
		recomputed.TotalRaw, recomputed.TotalReachable,
		recomputed.NoiseReductionPercent, time.Now().UTC(), reviewID)
	if err != nil {
		return fmt.Errorf("failed to update review stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reviewID)
	}

	upsert := `
		INSERT INTO findings (
			id, review_id, category, severity, title, description,
			location_start_line, location_end_line, location_snippet,
			cwe_id, owasp_category, is_reachable, has_user_input_path,
			data_flow_path, sanitizers_in_path, false_positive_reason,
			approved, approved_at
		) VALUES (
			:id, :review_id, :category, :severity, :title, :description,
			:location_start_line, :location_end_line, :location_snippet,
			:cwe_id, :owasp_category, :is_reachable, :has_user_input_path,
			:data_flow_path, :sanitizers_in_path, :false_positive_reason,
			:approved, :approved_at
		)
		ON CONFLICT (id) DO UPDATE SET
			category = excluded.category,
			severity = excluded.severity,
			title = excluded.title,
			description = excluded.description,
			location_start_line = excluded.location_start_line,
			location_end_line = excluded.location_end_line,
			location_snippet = excluded.location_snippet,
			cwe_id = excluded.cwe_id,
			owasp_category = excluded.owasp_category,
			is_reachable = excluded.is_reachable,
			has_user_input_path = excluded.has_user_input_path,
			data_flow_path = excluded.data_flow_path,
			sanitizers_in_path = excluded.sanitizers_in_path,
			false_positive_reason = excluded.false_positive_reason,
			approved = excluded.approved,
			approved_at = excluded.approved_at
	`
	for _, f := range findings {
		row, err := toFindingRow(reviewID, f)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsert, row); err != nil {
			return fmt.Errorf("failed to upsert finding %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}

	s.log.Info(logging.WithReviewID(ctx, reviewID), "findings stored",
		zap.Int("count", len(findings)),
		zap.Int("raw", recomputed.TotalRaw),
		zap.Int("reachable", recomputed.TotalReachable),
		zap.Float64("noise_reduction_percent", recomputed.NoiseReductionPercent),
	)
	return nil
}

// remediationRow is the flat DB shape of a review.Remediation.
type remediationRow struct {
	ID           string    `db:"id"`
	FindingID    string    `db:"finding_id"`
	ReviewID     string    `db:"review_id"`
	OriginalCode string    `db:"original_code"`
	FixedCode    string    `db:"fixed_code"`
	Explanation  string    `db:"explanation"`
	DiffHunks    string    `db:"diff_hunks"`
	CreatedAt    time.Time `db:"created_at"`
}

// StoreRemediations appends remediations. Remediations are immutable;
// redelivered rows conflict on id (or on finding id) and are skipped.
func (s *Store) StoreRemediations(ctx context.Context, reviewID string, rems []review.Remediation) error {
	if len(rems) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO remediations (
			id, finding_id, review_id, original_code, fixed_code,
			explanation, diff_hunks, created_at
		) VALUES (
			:id, :finding_id, :review_id, :original_code, :fixed_code,
			:explanation, :diff_hunks, :created_at
		)
		ON CONFLICT (finding_id) DO NOTHING
	`
	for _, r := range rems {
		hunks := r.DiffHunks
		if hunks == nil {
			hunks = []review.DiffHunk{}
		}
		hunksJSON, err := json.Marshal(hunks)
		if err != nil {
			return fmt.Errorf("failed to marshal diff hunks: %w", err)
		}
		row := remediationRow{
			ID:           r.ID,
			FindingID:    r.FindingID,
			ReviewID:     reviewID,
			OriginalCode: r.OriginalCode,
			FixedCode:    r.FixedCode,
			Explanation:  r.Explanation,
			DiffHunks:    string(hunksJSON),
			CreatedAt:    r.CreatedAt.UTC(),
		}
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return fmt.Errorf("failed to insert remediation %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remediations: %w", err)
	}

	s.log.Info(logging.WithReviewID(ctx, reviewID), "remediations stored",
		zap.Int("count", len(rems)),
	)
	return nil
}

// GetReview fetches one review by id.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*review.Review, error) {
	var r review.Review
	query := s.db.Rebind(`SELECT * FROM reviews WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, reviewID)
		}
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return &r, nil
}

// ListFindings returns a review's findings ordered by severity rank
// (critical first). Ties keep insertion order via the id tiebreak.
func (s *Store) ListFindings(ctx context.Context, reviewID string) ([]review.Finding, error) {
	query := s.db.Rebind(`
		SELECT * FROM findings
		WHERE review_id = ?
		ORDER BY CASE severity
			WHEN 'critical' THEN 1
			WHEN 'high' THEN 2
			WHEN 'medium' THEN 3
			WHEN 'low' THEN 4
			ELSE 5
		END, id
	`)
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, query, reviewID); err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}

	findings := make([]review.Finding, 0, len(rows))
	for _, row := range rows {
		f, err := row.toFinding()
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// ListRemediations returns a review's remediations in creation order.
func (s *Store) ListRemediations(ctx context.Context, reviewID string) ([]review.Remediation, error) {
	query := s.db.Rebind(`
		SELECT * FROM remediations WHERE review_id = ? ORDER BY created_at, id
	`)
	var rows []remediationRow
	if err := s.db.SelectContext(ctx, &rows, query, reviewID); err != nil {
		return nil, fmt.Errorf("failed to list remediations: %w", err)
	}

	rems := make([]review.Remediation, 0, len(rows))
	for _, row := range rows {
		r := review.Remediation{
			ID:           row.ID,
			FindingID:    row.FindingID,
			ReviewID:     row.ReviewID,
			OriginalCode: row.OriginalCode,
			FixedCode:    row.FixedCode,
			Explanation:  row.Explanation,
			CreatedAt:    row.CreatedAt,
		}
		if err := json.Unmarshal([]byte(row.DiffHunks), &r.DiffHunks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diff hunks: %w", err)
		}
		if len(r.DiffHunks) == 0 {
			r.DiffHunks = nil
		}
		rems = append(rems, r)
	}
	return rems, nil
}

// execOnReview runs one statement that must affect an existing review.
func (s *Store) execOnReview(ctx context.Context, reviewID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reviewID)
	}
	return nil
}
