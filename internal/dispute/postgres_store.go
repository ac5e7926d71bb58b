package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/bmbapp/bmb/internal/idgen"
)

// PostgreSQL error codes the store reacts to.
const (
	pgUndefinedTable      = "42P01"
	pgUndefinedFunction   = "42883"
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNoDataFound         = "P0002"
)

// columns maps canonical fields to the deployed column names. Two
// namings exist in the wild.
type columns struct {
	initiator string
	executor  string
	createdAt string
	closedAt  string
	voter     string
}

var (
	currentColumns = columns{
		initiator: "creator_id",
		executor:  "executor_id",
		createdAt: "created_at",
		closedAt:  "closed_at",
		voter:     "user_id",
	}
	legacyColumns = columns{
		initiator: "initiator_user_id",
		executor:  "executor_user_id",
		createdAt: "started_at",
		closedAt:  "resolved_at",
		voter:     "voter_user_id",
	}
)

// columnDetectTimeout bounds the naming lookup, which runs detached from
// the request that triggered it.
const columnDetectTimeout = 5 * time.Second

// PostgresStore persists disputes in PostgreSQL. Column naming is
// detected on first successful use and then cached.
type PostgresStore struct {
	db *sql.DB

	mu     sync.Mutex
	loaded bool
	cols   columns
	detect func(ctx context.Context) (columns, error)
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	p := &PostgresStore{db: db}
	p.detect = p.detectColumns
	return p
}

// columns returns the cached naming, detecting it when no earlier lookup
// succeeded. A failed lookup is not cached.
func (p *PostgresStore) columns(ctx context.Context) (columns, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.cols, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), columnDetectTimeout)
	defer cancel()
	c, err := p.detect(ctx)
	if err != nil {
		return columns{}, fmt.Errorf("dispute: detect columns: %w", err)
	}
	p.cols, p.loaded = c, true
	return c, nil
}

func (p *PostgresStore) detectColumns(ctx context.Context) (columns, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT table_name, column_name FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name IN ('disputes', 'dispute_votes')`)
	if err != nil {
		return columns{}, err
	}
	defer func() { _ = rows.Close() }()

	present := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return columns{}, err
		}
		present[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return columns{}, err
	}
	return resolveColumns(present), nil
}

// resolveColumns picks the legacy name of a field only when the current
// one is absent and the legacy one exists. present holds "table.column".
func resolveColumns(present map[string]bool) columns {
	c := currentColumns
	if !present["disputes.creator_id"] && present["disputes.initiator_user_id"] {
		c.initiator = legacyColumns.initiator
	}
	if !present["disputes.executor_id"] && present["disputes.executor_user_id"] {
		c.executor = legacyColumns.executor
	}
	if !present["disputes.created_at"] && present["disputes.started_at"] {
		c.createdAt = legacyColumns.createdAt
	}
	if !present["disputes.closed_at"] && present["disputes.resolved_at"] {
		c.closedAt = legacyColumns.closedAt
	}
	if !present["dispute_votes.user_id"] && present["dispute_votes.voter_user_id"] {
		c.voter = legacyColumns.voter
	}
	return c
}

func (c columns) selectDispute() string {
	return fmt.Sprintf(`SELECT d.id, d.scenario_id, d.%s, d.%s, d.status,
		       COALESCE(d.behavior_id::TEXT, ''), COALESCE(b.file_url, ''), COALESCE(b.ipfs_cid, ''),
		       COALESCE(d.winner, ''), COALESCE(d.resolution_tx_hash, ''),
		       d.%s, d.%s
		FROM disputes d
		LEFT JOIN behaviors b ON b.id::TEXT = d.behavior_id::TEXT`,
		c.initiator, c.executor, c.createdAt, c.closedAt)
}

func (p *PostgresStore) OpenForScenario(ctx context.Context, scenarioID, initiatorID, respondentID string) (*Dispute, bool, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, false, err
	}

	if d, err := p.latestOpen(ctx, c, scenarioID); err == nil {
		return d, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// The partial unique index on open disputes turns a concurrent insert
	// into a no-op; the re-read then returns the winner's row.
	id := idgen.New()
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO disputes (id, scenario_id, %s, %s, status, %s)
		VALUES ($1, $2, $3, $4, 'open', NOW())
		ON CONFLICT DO NOTHING`, c.initiator, c.executor, c.createdAt),
		id, scenarioID, initiatorID, respondentID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		d, err := p.Get(ctx, id)
		return d, true, err
	}
	d, err := p.latestOpen(ctx, c, scenarioID)
	return d, false, err
}

func (p *PostgresStore) latestOpen(ctx context.Context, c columns, scenarioID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, c.selectDispute()+fmt.Sprintf(`
		WHERE d.scenario_id = $1 AND d.status = 'open'
		ORDER BY d.%s DESC
		LIMIT 1`, c.createdAt), scenarioID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanDispute(p.db.QueryRowContext(ctx, c.selectDispute()+` WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) LatestForScenario(ctx context.Context, scenarioID string) (*Dispute, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, c.selectDispute()+fmt.Sprintf(`
		WHERE d.scenario_id = $1
		ORDER BY d.%s DESC
		LIMIT 1`, c.createdAt), scenarioID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, c.selectDispute()+fmt.Sprintf(`
		WHERE d.status = 'open'
		ORDER BY d.%s ASC
		LIMIT $1`, c.createdAt), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AttachEvidence(ctx context.Context, disputeID string, ev Evidence) (*Dispute, error) {
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO behaviors (id, author_id, title, description, ipfs_cid, file_url, is_dispute_evidence, dispute_id, created_at)
		VALUES ($1, $2, 'Dispute evidence', 'Video evidence for dispute', NULLIF($3, ''), $4, TRUE, $5, $6)`,
		ev.ID, ev.AuthorID, ev.ContentID, ev.URL, disputeID, ev.CreatedAt)
	if err != nil {
		if isPQCode(err, pgUniqueViolation) {
			return nil, ErrEvidenceAttached
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE disputes SET behavior_id = $2 WHERE id = $1 AND behavior_id IS NULL`,
		disputeID, ev.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, disputeID); err != nil {
			return nil, err
		}
		return nil, ErrEvidenceAttached
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.Get(ctx, disputeID)
}

func (p *PostgresStore) UpsertVote(ctx context.Context, v Vote) error {
	c, err := p.columns(ctx)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO dispute_votes (dispute_id, %[1]s, choice, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (dispute_id, %[1]s) DO UPDATE SET choice = EXCLUDED.choice, updated_at = EXCLUDED.updated_at`,
		c.voter), v.DisputeID, v.VoterID, string(v.Choice), v.UpdatedAt)
	if isPQCode(err, pgForeignKeyViolation) {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) GetVote(ctx context.Context, disputeID, voterID string) (*Vote, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, err
	}
	v := Vote{DisputeID: disputeID, VoterID: voterID}
	var choice string
	err = p.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT choice, created_at, COALESCE(updated_at, created_at)
		FROM dispute_votes WHERE dispute_id = $1 AND %s = $2`, c.voter),
		disputeID, voterID).Scan(&choice, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Choice = Choice(choice)
	return &v, nil
}

// Tally reads the dispute_vote_counts view and counts raw votes when the
// view does not exist.
func (p *PostgresStore) Tally(ctx context.Context, disputeID string) (Tally, error) {
	var t Tally
	err := p.db.QueryRowContext(ctx, `
		SELECT executor_votes, customer_votes FROM dispute_vote_counts WHERE dispute_id = $1`,
		disputeID).Scan(&t.Executor, &t.Customer)
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, sql.ErrNoRows):
		return Tally{}, nil
	case !isPQCode(err, pgUndefinedTable):
		return Tally{}, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE choice = 'executor'),
		       COUNT(*) FILTER (WHERE choice = 'customer')
		FROM dispute_votes WHERE dispute_id = $1`,
		disputeID).Scan(&t.Executor, &t.Customer)
	return t, err
}

// Close calls the close_dispute function.
func (p *PostgresStore) Close(ctx context.Context, disputeID string) (*Dispute, error) {
	var winner sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT close_dispute($1)`, disputeID).Scan(&winner)
	if err != nil {
		if isPQCode(err, pgUndefinedFunction) {
			return nil, ErrProcedureUnavailable
		}
		if isPQCode(err, pgNoDataFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p.Get(ctx, disputeID)
}

func (p *PostgresStore) MarkClosed(ctx context.Context, disputeID string, winner Choice, at time.Time) (*Dispute, error) {
	c, err := p.columns(ctx)
	if err != nil {
		return nil, err
	}
	var w sql.NullString
	if winner != ChoiceNone {
		w = sql.NullString{String: string(winner), Valid: true}
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE disputes SET status = 'closed', winner = $2, %s = $3
		WHERE id = $1 AND status = 'open'`, c.closedAt),
		disputeID, w, at); err != nil {
		return nil, err
	}
	return p.Get(ctx, disputeID)
}

func (p *PostgresStore) SetResolutionTx(ctx context.Context, disputeID, txHash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE disputes SET resolution_tx_hash = $2 WHERE id = $1`, disputeID, txHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	var (
		d        Dispute
		status   string
		winner   string
		closedAt sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.ScenarioID, &d.InitiatorID, &d.RespondentID, &status,
		&d.EvidenceID, &d.EvidenceURL, &d.EvidenceCID,
		&winner, &d.ResolutionTxHash,
		&d.CreatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Winner = Choice(winner)
	if closedAt.Valid {
		t := closedAt.Time
		d.ClosedAt = &t
	}
	return &d, nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
