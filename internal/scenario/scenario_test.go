package scenario

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduledAt(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)

	s := &Scenario{Date: "2026-10-18", Time: "14:30"}
	got, err := s.ScheduledAt(loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 11, 30, 0, 0, time.UTC), got.UTC())

	s = &Scenario{Date: "2026-10-18"}
	got, err = s.ScheduledAt(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), got)

	s = &Scenario{Date: "2026-10-18", Time: "09:15:00"}
	got, err = s.ScheduledAt(nil)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 15, got.Minute())

	explicit := time.Date(2026, 12, 1, 8, 0, 0, 0, time.UTC)
	s = &Scenario{Date: "2026-10-18", ExecutionTime: &explicit}
	got, err = s.ScheduledAt(loc)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	_, err = (&Scenario{}).ScheduledAt(loc)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = (&Scenario{Date: "2026-10-18", Time: "noon"}).ScheduledAt(loc)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestPartyOf(t *testing.T) {
	s := &Scenario{CreatorID: "c", ExecutorID: "e"}

	p, ok := s.PartyOf("c")
	assert.True(t, ok)
	assert.Equal(t, PartyCustomer, p)

	p, ok = s.PartyOf("e")
	assert.True(t, ok)
	assert.Equal(t, PartyExecutor, p)

	_, ok = s.PartyOf("someone")
	assert.False(t, ok)
	_, ok = s.PartyOf("")
	assert.False(t, ok)
}

func TestRowRoundTripKeepsColumns(t *testing.T) {
	lat := 55.75
	s := &Scenario{
		ID:               "s1",
		CreatorID:        "c",
		ExecutorID:       "e",
		DonationAmount:   "12.5",
		Latitude:         &lat,
		AgreedByExecutor: true,
		EscrowTxHash:     "0xabc",
		Status:           StatusAgreed,
	}
	row := s.Row()
	assert.Equal(t, "s1", row["id"])
	assert.Equal(t, true, row["is_agreed_by_executor"])
	assert.Equal(t, "0xabc", row["escrow_tx_hash"])

	back, err := FromRow(row)
	require.NoError(t, err)
	assert.Equal(t, s.Latitude, back.Latitude)
	assert.Equal(t, StatusAgreed, back.Status)
	assert.True(t, back.Locked())
}

func TestPrimaryWalletFallback(t *testing.T) {
	assert.Equal(t, "0xa", (&Profile{Wallet: "0xa", WalletAddress: "0xb"}).PrimaryWallet())
	assert.Equal(t, "0xb", (&Profile{Wallet: " ", WalletAddress: "0xb", MetamaskWallet: "0xc"}).PrimaryWallet())
	assert.Equal(t, "0xc", (&Profile{MetamaskWallet: "0xc"}).PrimaryWallet())
	assert.Empty(t, (&Profile{}).PrimaryWallet())
}

func TestTermsValidate(t *testing.T) {
	assert.NoError(t, Terms{}.Validate())
	assert.True(t, Terms{}.Empty())
	assert.ErrorIs(t, Terms{DonationAmount: strPtr("")}.Validate(), ErrInvalidAmount)
	assert.ErrorIs(t, Terms{Date: strPtr("tomorrow")}.Validate(), ErrInvalidSchedule)
	assert.NoError(t, Terms{Date: strPtr("")}.Validate())
}
