// Package scenario holds the scenario record, its conditional write
// operations and the profile lookups the escrow flow needs.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmbapp/bmb/internal/pagination"
	"github.com/bmbapp/bmb/internal/tokenamount"
)

var (
	ErrNotFound        = errors.New("scenario: not found")
	ErrWriteConflict   = errors.New("scenario: write conflict")
	ErrNoWallet        = errors.New("scenario: no wallet on profile")
	ErrInvalidAmount   = errors.New("scenario: invalid donation amount")
	ErrInvalidParty    = errors.New("scenario: invalid party")
	ErrInvalidSchedule = errors.New("scenario: invalid schedule")
	ErrMissingParties  = errors.New("scenario: creator and executor are required")
)

// Status is the stored, denormalized lifecycle label.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAgreed    Status = "agreed"
	StatusConfirmed Status = "confirmed"
	StatusDisputed  Status = "disputed"
)

// Party names one side of a scenario. The creator is the customer.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyExecutor Party = "executor"
)

// Valid reports whether p is a known party.
func (p Party) Valid() bool { return p == PartyCustomer || p == PartyExecutor }

// Scenario is one behavior exchange. JSON names match the table columns
// so rows from the change feed decode into the same struct.
type Scenario struct {
	ID                  string     `json:"id"`
	CreatorID           string     `json:"creator_id"`
	ExecutorID          string     `json:"executor_id"`
	Description         string     `json:"description"`
	DonationAmount      string     `json:"donation_amount_usdt"`
	Date                string     `json:"date,omitempty"`
	Time                string     `json:"time,omitempty"`
	ExecutionTime       *time.Time `json:"execution_time,omitempty"`
	Latitude            *float64   `json:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty"`
	AgreedByCustomer    bool       `json:"is_agreed_by_customer"`
	AgreedByExecutor    bool       `json:"is_agreed_by_executor"`
	EscrowTxHash        string     `json:"escrow_tx_hash,omitempty"`
	CompletedByExecutor bool       `json:"is_completed_by_executor"`
	CompletedByCustomer bool       `json:"is_completed_by_customer"`
	Status              Status     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// BothAgreed reports whether both agreement flags are set.
func (s *Scenario) BothAgreed() bool { return s.AgreedByCustomer && s.AgreedByExecutor }

// Locked reports whether funds were locked on-chain.
func (s *Scenario) Locked() bool { return s.EscrowTxHash != "" }

// Agreed returns the agreement flag of p.
func (s *Scenario) Agreed(p Party) bool {
	if p == PartyExecutor {
		return s.AgreedByExecutor
	}
	return s.AgreedByCustomer
}

// Completed returns the completion flag of p.
func (s *Scenario) Completed(p Party) bool {
	if p == PartyExecutor {
		return s.CompletedByExecutor
	}
	return s.CompletedByCustomer
}

// PartyOf returns the side userID is on, if any.
func (s *Scenario) PartyOf(userID string) (Party, bool) {
	switch userID {
	case "":
		return "", false
	case s.CreatorID:
		return PartyCustomer, true
	case s.ExecutorID:
		return PartyExecutor, true
	}
	return "", false
}

// ScheduledAt returns the execution time: execution_time when set,
// otherwise date and time (default 00:00) read in loc.
func (s *Scenario) ScheduledAt(loc *time.Location) (time.Time, error) {
	if s.ExecutionTime != nil && !s.ExecutionTime.IsZero() {
		return *s.ExecutionTime, nil
	}
	if s.Date == "" {
		return time.Time{}, ErrInvalidSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	clock := s.Time
	if clock == "" {
		clock = "00:00"
	}
	// Accept HH:MM and HH:MM:SS.
	if len(clock) > 5 {
		clock = clock[:5]
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return t, nil
}

// Row returns the column map published on the change feed.
func (s *Scenario) Row() map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"id": s.ID}
	}
	row := make(map[string]any)
	_ = json.Unmarshal(raw, &row)
	return row
}

// FromRow decodes a change-feed row. Trigger payloads carry NUMERIC
// columns as JSON numbers.
func FromRow(row map[string]any) (*Scenario, error) {
	if v, ok := row["donation_amount_usdt"].(float64); ok {
		row["donation_amount_usdt"] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var s Scenario
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Clone returns a deep copy.
func (s *Scenario) Clone() *Scenario {
	c := *s
	if s.ExecutionTime != nil {
		t := *s.ExecutionTime
		c.ExecutionTime = &t
	}
	if s.Latitude != nil {
		v := *s.Latitude
		c.Latitude = &v
	}
	if s.Longitude != nil {
		v := *s.Longitude
		c.Longitude = &v
	}
	return &c
}

// Terms is a partial update of the editable fields. Nil fields keep
// their stored value.
type Terms struct {
	Description    *string    `json:"description,omitempty"`
	DonationAmount *string    `json:"donation_amount_usdt,omitempty"`
	Date           *string    `json:"date,omitempty"`
	Time           *string    `json:"time,omitempty"`
	ExecutionTime  *time.Time `json:"execution_time,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
}

// Empty reports whether t changes nothing.
func (t Terms) Empty() bool {
	return t.Description == nil && t.DonationAmount == nil && t.Date == nil &&
		t.Time == nil && t.ExecutionTime == nil && t.Latitude == nil && t.Longitude == nil
}

// Validate checks the fields that are set.
func (t Terms) Validate() error {
	if t.DonationAmount != nil {
		if err := ValidateAmount(*t.DonationAmount); err != nil {
			return err
		}
	}
	if t.Date != nil && *t.Date != "" {
		if _, err := time.Parse("2006-01-02", *t.Date); err != nil {
			return fmt.Errorf("%w: date %q", ErrInvalidSchedule, *t.Date)
		}
	}
	return nil
}

// apply copies the set fields onto s.
func (t Terms) apply(s *Scenario) {
	if t.Description != nil {
		s.Description = *t.Description
	}
	if t.DonationAmount != nil {
		s.DonationAmount = strings.TrimSpace(*t.DonationAmount)
	}
	if t.Date != nil {
		s.Date = *t.Date
	}
	if t.Time != nil {
		s.Time = *t.Time
	}
	if t.ExecutionTime != nil {
		et := *t.ExecutionTime
		s.ExecutionTime = &et
	}
	if t.Latitude != nil {
		v := *t.Latitude
		s.Latitude = &v
	}
	if t.Longitude != nil {
		v := *t.Longitude
		s.Longitude = &v
	}
}

// ValidateAmount accepts non-negative integer or decimal amounts.
func ValidateAmount(amount string) error {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return ErrInvalidAmount
	}
	if _, err := tokenamount.Parse(amount, 18); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}

// Validate checks a new scenario before insert.
func (s *Scenario) Validate() error {
	if s.CreatorID == "" || s.ExecutorID == "" {
		return ErrMissingParties
	}
	if err := ValidateAmount(s.DonationAmount); err != nil {
		return err
	}
	if s.Date != "" {
		if _, err := time.Parse("2006-01-02", s.Date); err != nil {
			return fmt.Errorf("%w: date %q", ErrInvalidSchedule, s.Date)
		}
	}
	return nil
}

// Store persists scenarios. Every Set* call is conditional on the
// current row; when the condition does not hold the call returns
// ErrWriteConflict and changes nothing.
type Store interface {
	Create(ctx context.Context, s *Scenario) error
	Get(ctx context.Context, id string) (*Scenario, error)
	// ListForUser returns up to limit scenarios userID is a party to,
	// newest first, starting after cursor (nil for the first page).
	ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Scenario, error)

	// UpdateTerms applies t unless the scenario is locked or confirmed,
	// and clears both agreement flags and resets status to pending.
	UpdateTerms(ctx context.Context, id string, t Terms) (*Scenario, error)
	// SetAgreed sets p's flag if it is not yet set. Status becomes agreed
	// when both flags end up true.
	SetAgreed(ctx context.Context, id string, p Party) (*Scenario, error)
	// SetEscrowTx records the lock transaction once both sides agreed and
	// no hash is stored.
	SetEscrowTx(ctx context.Context, id, txHash string) (*Scenario, error)
	SetCompleted(ctx context.Context, id string, p Party) (*Scenario, error)
	// SetStatus moves to `to` when the current status is one of from
	// (any status when from is empty).
	SetStatus(ctx context.Context, id string, to Status, from ...Status) (*Scenario, error)
}

// Profile holds the wallet columns of a user profile.
type Profile struct {
	UserID         string `json:"user_id"`
	Wallet         string `json:"wallet,omitempty"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	MetamaskWallet string `json:"metamask_wallet,omitempty"`
	ReferrerWallet string `json:"referrer_wallet,omitempty"`
}

// PrimaryWallet picks wallet, then wallet_address, then metamask_wallet.
func (p *Profile) PrimaryWallet() string {
	for _, w := range []string{p.Wallet, p.WalletAddress, p.MetamaskWallet} {
		if w = strings.TrimSpace(w); w != "" {
			return w
		}
	}
	return ""
}

// ProfileStore reads and links profile wallets.
type ProfileStore interface {
	// Wallet returns the user's primary wallet or ErrNoWallet.
	Wallet(ctx context.Context, userID string) (string, error)
	// ReferrerWallet returns the user's referrer wallet, or "".
	ReferrerWallet(ctx context.Context, userID string) (string, error)
	SetWallet(ctx context.Context, userID, wallet string) error
}
