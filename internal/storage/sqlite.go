// Package storage persists the scan audit trail to SQLite: scan
// requests, risk scores, council decisions with their votes, and agent
// actions. Writes are short single-statement transactions.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"aegis/internal/risk"
)

// SQLiteStore provides persistent audit storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite audit storage initialized", "path", dbPath)
	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_requests (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		request_type TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		input_preview TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scan_requests_created_at ON scan_requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_scan_requests_type ON scan_requests(request_type);
	CREATE INDEX IF NOT EXISTS idx_scan_requests_session ON scan_requests(session_id);

	CREATE TABLE IF NOT EXISTS risk_scores (
		id TEXT PRIMARY KEY,
		scan_request_id TEXT NOT NULL REFERENCES scan_requests(id),
		module_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		risk_score REAL NOT NULL,
		risk_level TEXT NOT NULL,
		confidence REAL NOT NULL,
		verdict TEXT NOT NULL,
		explanation TEXT,
		signals TEXT,
		false_positive_probability REAL
	);

	CREATE INDEX IF NOT EXISTS idx_risk_scores_request ON risk_scores(scan_request_id);
	CREATE INDEX IF NOT EXISTS idx_risk_scores_verdict ON risk_scores(verdict);
	CREATE INDEX IF NOT EXISTS idx_risk_scores_level ON risk_scores(risk_level);

	CREATE TABLE IF NOT EXISTS council_decisions (
		id TEXT PRIMARY KEY,
		scan_request_id TEXT NOT NULL REFERENCES scan_requests(id),
		created_at DATETIME NOT NULL,
		final_verdict TEXT NOT NULL,
		consensus_score REAL NOT NULL,
		weighted_score REAL NOT NULL,
		votes TEXT,
		weights TEXT,
		reasoning TEXT,
		dissenting_opinions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_council_decisions_request ON council_decisions(scan_request_id);

	CREATE TABLE IF NOT EXISTS individual_votes (
		council_decision_id TEXT NOT NULL REFERENCES council_decisions(id),
		provider TEXT NOT NULL,
		model_name TEXT,
		provider_weight REAL NOT NULL,
		verdict TEXT NOT NULL,
		risk_score REAL NOT NULL,
		confidence REAL NOT NULL,
		reasoning TEXT,
		signals_detected TEXT,
		response_time_ms INTEGER,
		error TEXT,
		UNIQUE(council_decision_id, provider)
	);

	CREATE TABLE IF NOT EXISTS agent_actions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT,
		action_type TEXT NOT NULL,
		requested_action TEXT,
		requested_scope TEXT,
		authorized INTEGER NOT NULL,
		risk_score REAL NOT NULL,
		safety_flags TEXT,
		executed INTEGER NOT NULL DEFAULT 0,
		execution_result TEXT,
		execution_error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_actions_agent ON agent_actions(agent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.migrateEvents()
}

// SaveScanRequest inserts the root audit row for one scan.
func (s *SQLiteStore) SaveScanRequest(ctx context.Context, req *risk.ScanRequest) error {
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_requests
		(id, created_at, request_type, input_hash, input_preview, user_id, session_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.CreatedAt,
		string(req.RequestType),
		req.InputHash,
		req.InputPreview,
		req.UserID,
		req.SessionID,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to save scan request: %w", err)
	}

	slog.Debug("scan request saved", "scan_request_id", req.ID, "type", req.RequestType)
	return nil
}

// SaveRiskScore inserts the final assessment for a scan request.
func (s *SQLiteStore) SaveRiskScore(ctx context.Context, score *risk.Score) error {
	signals, err := json.Marshal(score.Signals)
	if err != nil {
		signals = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_scores
		(id, scan_request_id, module_type, created_at, risk_score, risk_level, confidence, verdict, explanation, signals, false_positive_probability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		score.ID,
		score.ScanRequestID,
		score.ModuleType,
		score.CreatedAt,
		score.RiskScore,
		string(score.RiskLevel),
		score.Confidence,
		string(score.Verdict),
		score.Explanation,
		string(signals),
		score.FalsePositive,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk score: %w", err)
	}
	return nil
}

// SaveCouncilDecision inserts the decision and its votes in one
// transaction. Re-saving a decision replaces its vote rows.
func (s *SQLiteStore) SaveCouncilDecision(ctx context.Context, d *risk.CouncilDecision) error {
	votes, err := json.Marshal(d.Votes)
	if err != nil {
		votes = []byte("{}")
	}
	weights, err := json.Marshal(d.Weights)
	if err != nil {
		weights = []byte("{}")
	}
	dissenting, err := json.Marshal(d.Dissenting)
	if err != nil {
		dissenting = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO council_decisions
		(id, scan_request_id, created_at, final_verdict, consensus_score, weighted_score, votes, weights, reasoning, dissenting_opinions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.ScanRequestID,
		d.CreatedAt,
		string(d.FinalVerdict),
		d.Consensus,
		d.WeightedScore,
		string(votes),
		string(weights),
		d.Reasoning,
		string(dissenting),
	)
	if err != nil {
		return fmt.Errorf("failed to save council decision: %w", err)
	}

	for providerID, vote := range d.Votes {
		sigs, err := json.Marshal(vote.Signals)
		if err != nil {
			sigs = []byte("[]")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO individual_votes
			(council_decision_id, provider, model_name, provider_weight, verdict, risk_score, confidence, reasoning, signals_detected, response_time_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID,
			providerID,
			vote.ModelName,
			vote.ProviderWeight,
			string(vote.Verdict),
			vote.RiskScore,
			vote.Confidence,
			vote.Reasoning,
			string(sigs),
			vote.ResponseTimeMs,
			vote.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to save vote for %s: %w", providerID, err)
		}
	}

	return tx.Commit()
}

// SaveAgentAction inserts an authorization record.
func (s *SQLiteStore) SaveAgentAction(ctx context.Context, a *risk.AgentAction) error {
	requested, err := json.Marshal(a.RequestedAction)
	if err != nil {
		requested = []byte("{}")
	}
	flags, err := json.Marshal(a.SafetyFlags)
	if err != nil {
		flags = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_actions
		(id, agent_id, session_id, action_type, requested_action, requested_scope, authorized, risk_score, safety_flags, executed, execution_result, execution_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.AgentID,
		a.SessionID,
		a.ActionType,
		string(requested),
		a.RequestedScope,
		a.Authorized,
		a.RiskScore,
		string(flags),
		a.Executed,
		a.ExecutionResult,
		a.ExecutionError,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent action: %w", err)
	}
	return nil
}

// MarkActionExecuted records the outcome of an authorized action.
func (s *SQLiteStore) MarkActionExecuted(ctx context.Context, actionID, result, execErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_actions SET executed = 1, execution_result = ?, execution_error = ?
		WHERE id = ? AND authorized = 1`,
		result, execErr, actionID)
	if err != nil {
		return fmt.Errorf("failed to mark action executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s not found or not authorized", actionID)
	}
	return nil
}

// ScanSummary is one row of the audit listing: a scan request joined
// with its latest risk score.
type ScanSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RequestType  string    `json:"request_type"`
	InputPreview string    `json:"input_preview"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Verdict      string    `json:"verdict,omitempty"`
	RiskScore    float64   `json:"risk_score"`
	RiskLevel    string    `json:"risk_level,omitempty"`
}

// ListScansOptions contains options for listing scans
type ListScansOptions struct {
	Limit       int
	Offset      int
	RequestType string
	Verdict     string
	SessionID   string
	Since       *time.Time
	Until       *time.Time
}

// ListScans retrieves scan summaries with filtering and pagination.
func (s *SQLiteStore) ListScans(ctx context.Context, opts ListScansOptions) ([]ScanSummary, error) {
	query := `
		SELECT r.id, r.created_at, r.request_type, r.input_preview, r.user_id, r.session_id,
			COALESCE(sc.verdict, ''), COALESCE(sc.risk_score, 0), COALESCE(sc.risk_level, '')
		FROM scan_requests r
		LEFT JOIN risk_scores sc ON sc.scan_request_id = r.id
		WHERE 1=1`

	args := []interface{}{}

	if opts.RequestType != "" {
		query += " AND r.request_type = ?"
		args = append(args, opts.RequestType)
	}
	if opts.Verdict != "" {
		query += " AND sc.verdict = ?"
		args = append(args, opts.Verdict)
	}
	if opts.SessionID != "" {
		query += " AND r.session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Since != nil {
		query += " AND r.created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND r.created_at <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY r.created_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var records []ScanSummary
	for rows.Next() {
		var rec ScanSummary
		if err := rows.Scan(
			&rec.ID,
			&rec.CreatedAt,
			&rec.RequestType,
			&rec.InputPreview,
			&rec.UserID,
			&rec.SessionID,
			&rec.Verdict,
			&rec.RiskScore,
			&rec.RiskLevel,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ScanDetail is the full audit record for one scan request.
type ScanDetail struct {
	Request  *risk.ScanRequest     `json:"request"`
	Scores   []*risk.Score         `json:"scores"`
	Decision *risk.CouncilDecision `json:"council_decision,omitempty"`
}

// GetScanDetail retrieves a scan request with its scores and council
// decision. Returns nil when the id is unknown.
func (s *SQLiteStore) GetScanDetail(ctx context.Context, id string) (*ScanDetail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, request_type, input_hash, input_preview, user_id, session_id, metadata
		FROM scan_requests WHERE id = ?`, id)

	var req risk.ScanRequest
	var requestType, metadataStr string
	err := row.Scan(&req.ID, &req.CreatedAt, &requestType, &req.InputHash,
		&req.InputPreview, &req.UserID, &req.SessionID, &metadataStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan request: %w", err)
	}
	req.RequestType = risk.RequestKind(requestType)
	if metadataStr != "" {
		json.Unmarshal([]byte(metadataStr), &req.Metadata)
	}

	detail := &ScanDetail{Request: &req}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_type, created_at, risk_score, risk_level, confidence, verdict, explanation, signals, false_positive_probability
		FROM risk_scores WHERE scan_request_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get risk scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		score := &risk.Score{ScanRequestID: id}
		var level, verdict, signalsStr string
		if err := rows.Scan(&score.ID, &score.ModuleType, &score.CreatedAt,
			&score.RiskScore, &level, &score.Confidence, &verdict,
			&score.Explanation, &signalsStr, &score.FalsePositive); err != nil {
			return nil, fmt.Errorf("failed to scan risk score: %w", err)
		}
		score.RiskLevel = risk.Level(level)
		score.Verdict = risk.Verdict(verdict)
		if signalsStr != "" {
			json.Unmarshal([]byte(signalsStr), &score.Signals)
		}
		detail.Scores = append(detail.Scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drow := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, final_verdict, consensus_score, weighted_score, votes, weights, reasoning, dissenting_opinions
		FROM council_decisions WHERE scan_request_id = ?`, id)

	var d risk.CouncilDecision
	var finalVerdict, votesStr, weightsStr, dissentStr string
	err = drow.Scan(&d.ID, &d.CreatedAt, &finalVerdict, &d.Consensus,
		&d.WeightedScore, &votesStr, &weightsStr, &d.Reasoning, &dissentStr)
	if err == nil {
		d.ScanRequestID = id
		d.FinalVerdict = risk.Verdict(finalVerdict)
		json.Unmarshal([]byte(votesStr), &d.Votes)
		json.Unmarshal([]byte(weightsStr), &d.Weights)
		json.Unmarshal([]byte(dissentStr), &d.Dissenting)
		detail.Decision = &d
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get council decision: %w", err)
	}

	return detail, nil
}

// Stats represents aggregate audit statistics.
type Stats struct {
	TotalScans     int64            `json:"total_scans"`
	AvgRiskScore   float64          `json:"avg_risk_score"`
	AvgConfidence  float64          `json:"avg_confidence"`
	ScansByVerdict map[string]int64 `json:"scans_by_verdict"`
	ScansByType    map[string]int64 `json:"scans_by_type"`
	AgentActions   int64            `json:"agent_actions"`
	ActionsDenied  int64            `json:"actions_denied"`
}

// GetStats retrieves aggregate statistics, optionally bounded by time.
func (s *SQLiteStore) GetStats(ctx context.Context, since *time.Time) (*Stats, error) {
	stats := &Stats{
		ScansByVerdict: make(map[string]int64),
		ScansByType:    make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND created_at >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(AVG(risk_score), 0), COALESCE(AVG(confidence), 0)
		FROM risk_scores %s`, whereClause), args...)
	if err := row.Scan(&stats.TotalScans, &stats.AvgRiskScore, &stats.AvgConfidence); err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT verdict, COUNT(*) FROM risk_scores %s GROUP BY verdict`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var verdict string
		var count int64
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, err
		}
		stats.ScansByVerdict[verdict] = count
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT request_type, COUNT(*) FROM scan_requests %s GROUP BY request_type`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get type stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats.ScansByType[kind] = count
	}

	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN authorized = 0 THEN 1 ELSE 0 END), 0)
		FROM agent_actions %s`, whereClause), args...)
	if err := row.Scan(&stats.AgentActions, &stats.ActionsDenied); err != nil {
		return nil, fmt.Errorf("failed to get agent stats: %w", err)
	}

	return stats, nil
}

// Cleanup removes audit rows older than the retention window.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var deleted int64
	for _, stmt := range []string{
		`DELETE FROM individual_votes WHERE council_decision_id IN
			(SELECT id FROM council_decisions WHERE created_at < ?)`,
		`DELETE FROM council_decisions WHERE created_at < ?`,
		`DELETE FROM risk_scores WHERE created_at < ?`,
		`DELETE FROM scan_requests WHERE created_at < ?`,
		`DELETE FROM agent_actions WHERE created_at < ?`,
	} {
		res, err := s.db.Exec(stmt, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("failed to cleanup audit rows: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if deleted > 0 {
		slog.Info("cleaned up old audit rows", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
