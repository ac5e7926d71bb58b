package scenario

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/bmbapp/bmb/internal/idgen"
	"github.com/bmbapp/bmb/internal/pagination"
)

// PostgresStore persists scenarios in PostgreSQL. Change notifications
// come from the table trigger, not from this type.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed scenario store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scenarioColumns = `id, creator_id, executor_id, description,
		       donation_amount_usdt::TEXT, COALESCE(to_char(date, 'YYYY-MM-DD'), ''),
		       COALESCE(time, ''), execution_time, latitude, longitude,
		       is_agreed_by_customer, is_agreed_by_executor, COALESCE(escrow_tx_hash, ''),
		       is_completed_by_executor, is_completed_by_customer, status,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = idgen.New()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scenarios (
			id, creator_id, executor_id, description, donation_amount_usdt,
			date, time, execution_time, latitude, longitude,
			is_agreed_by_customer, is_agreed_by_executor, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC,
			NULLIF($6, '')::DATE, NULLIF($7, ''), $8, $9, $10,
			$11, $12, $13,
			$14, $15
		)`,
		s.ID, s.CreatorID, s.ExecutorID, s.Description, s.DonationAmount,
		s.Date, s.Time, nullTime(s.ExecutionTime), nullFloat(s.Latitude), nullFloat(s.Longitude),
		s.AgreedByCustomer, s.AgreedByExecutor, string(s.Status),
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Scenario, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`, id)
	s, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Scenario, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+scenarioColumns+`
			FROM scenarios
			WHERE creator_id = $1 OR executor_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+scenarioColumns+`
			FROM scenarios
			WHERE (creator_id = $1 OR executor_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateTerms(ctx context.Context, id string, t Terms) (*Scenario, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var amount sql.NullString
	if t.DonationAmount != nil {
		amount = sql.NullString{String: strings.TrimSpace(*t.DonationAmount), Valid: true}
	}
	var execAt sql.NullTime
	if t.ExecutionTime != nil {
		execAt = sql.NullTime{Time: *t.ExecutionTime, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE scenarios SET
			description = COALESCE($2, description),
			donation_amount_usdt = COALESCE($3::NUMERIC, donation_amount_usdt),
			date = CASE WHEN $4::TEXT IS NULL THEN date ELSE NULLIF($4, '')::DATE END,
			time = CASE WHEN $5::TEXT IS NULL THEN time ELSE NULLIF($5, '') END,
			execution_time = COALESCE($6, execution_time),
			latitude = COALESCE($7, latitude),
			longitude = COALESCE($8, longitude),
			is_agreed_by_customer = FALSE,
			is_agreed_by_executor = FALSE,
			status = 'pending',
			updated_at = NOW()
		WHERE id = $1
		  AND escrow_tx_hash IS NULL
		  AND status <> 'confirmed'
		RETURNING `+scenarioColumns,
		id, nullStringPtr(t.Description), amount, nullStringPtr(t.Date), nullStringPtr(t.Time),
		execAt, nullFloat(t.Latitude), nullFloat(t.Longitude),
	)
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) SetAgreed(ctx context.Context, id string, party Party) (*Scenario, error) {
	if !party.Valid() {
		return nil, ErrInvalidParty
	}
	// SET expressions read the pre-update row, so the both-agreed check
	// and the flag write happen in one statement.
	row := p.db.QueryRowContext(ctx, `
		UPDATE scenarios SET
			is_agreed_by_customer = CASE WHEN $2::TEXT = 'customer' THEN TRUE ELSE is_agreed_by_customer END,
			is_agreed_by_executor = CASE WHEN $2::TEXT = 'executor' THEN TRUE ELSE is_agreed_by_executor END,
			status = CASE
				WHEN status = 'pending'
				 AND (($2::TEXT = 'customer' AND is_agreed_by_executor)
				   OR ($2::TEXT = 'executor' AND is_agreed_by_customer))
				THEN 'agreed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
		  AND (($2::TEXT = 'customer' AND NOT is_agreed_by_customer)
		    OR ($2::TEXT = 'executor' AND NOT is_agreed_by_executor))
		RETURNING `+scenarioColumns,
		id, string(party),
	)
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) SetEscrowTx(ctx context.Context, id, txHash string) (*Scenario, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, ErrWriteConflict
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE scenarios SET escrow_tx_hash = $2, updated_at = NOW()
		WHERE id = $1
		  AND is_agreed_by_customer AND is_agreed_by_executor
		  AND escrow_tx_hash IS NULL
		RETURNING `+scenarioColumns,
		id, txHash,
	)
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) SetCompleted(ctx context.Context, id string, party Party) (*Scenario, error) {
	if !party.Valid() {
		return nil, ErrInvalidParty
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE scenarios SET
			is_completed_by_executor = CASE WHEN $2::TEXT = 'executor' THEN TRUE ELSE is_completed_by_executor END,
			is_completed_by_customer = CASE WHEN $2::TEXT = 'customer' THEN TRUE ELSE is_completed_by_customer END,
			updated_at = NOW()
		WHERE id = $1
		  AND (($2::TEXT = 'executor' AND NOT is_completed_by_executor)
		    OR ($2::TEXT = 'customer' AND NOT is_completed_by_customer))
		RETURNING `+scenarioColumns,
		id, string(party),
	)
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, to Status, from ...Status) (*Scenario, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE scenarios SET status = $2, updated_at = NOW()
		WHERE id = $1
		  AND (cardinality($3::TEXT[]) = 0 OR status = ANY($3::TEXT[]))
		RETURNING `+scenarioColumns,
		id, string(to), pq.Array(allowed),
	)
	return p.conditional(ctx, id, row)
}

// conditional scans the RETURNING row of a conditional update. No row
// means either the scenario is missing or the condition failed.
func (p *PostgresStore) conditional(ctx context.Context, id string, row *sql.Row) (*Scenario, error) {
	s, err := scanScenario(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scenarios WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrWriteConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScenario(sc scanner) (*Scenario, error) {
	var (
		s         Scenario
		status    string
		execAt    sql.NullTime
		latitude  sql.NullFloat64
		longitude sql.NullFloat64
	)
	err := sc.Scan(
		&s.ID, &s.CreatorID, &s.ExecutorID, &s.Description,
		&s.DonationAmount, &s.Date,
		&s.Time, &execAt, &latitude, &longitude,
		&s.AgreedByCustomer, &s.AgreedByExecutor, &s.EscrowTxHash,
		&s.CompletedByExecutor, &s.CompletedByCustomer, &status,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if execAt.Valid {
		t := execAt.Time
		s.ExecutionTime = &t
	}
	if latitude.Valid {
		v := latitude.Float64
		s.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		s.Longitude = &v
	}
	return &s, nil
}

// PostgresProfiles reads wallets from the profiles table.
type PostgresProfiles struct {
	db *sql.DB
}

// NewPostgresProfiles creates a PostgreSQL-backed profile store.
func NewPostgresProfiles(db *sql.DB) *PostgresProfiles {
	return &PostgresProfiles{db: db}
}

func (p *PostgresProfiles) Wallet(ctx context.Context, userID string) (string, error) {
	var prof Profile
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(wallet, ''), COALESCE(wallet_address, ''), COALESCE(metamask_wallet, '')
		FROM profiles WHERE id = $1`, userID,
	).Scan(&prof.Wallet, &prof.WalletAddress, &prof.MetamaskWallet)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoWallet
	}
	if err != nil {
		return "", err
	}
	if w := prof.PrimaryWallet(); w != "" {
		return w, nil
	}
	return "", ErrNoWallet
}

func (p *PostgresProfiles) ReferrerWallet(ctx context.Context, userID string) (string, error) {
	var ref string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(referrer_wallet, '') FROM profiles WHERE id = $1`, userID,
	).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return strings.TrimSpace(ref), err
}

func (p *PostgresProfiles) SetWallet(ctx context.Context, userID, wallet string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (id, wallet, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET wallet = EXCLUDED.wallet, updated_at = NOW()`,
		userID, wallet)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
