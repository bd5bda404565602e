package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settler/internal/store"
)

const flatFixture = `
group:
  id: g1
  name: Flat 4B
  currency: USD
members:
  - user: A
    wallet: wallet-A
    trust_score: 0.9
  - user: B
    wallet: wallet-B
  - user: C
expenses:
  - id: e1
    payer: A
    amount: 90
    description: groceries
  - id: e2
    payer: B
    amount: "12.345"
    currency: EUR
payments:
  - id: p1
    user: C
    due_at: 2026-01-01T00:00:00Z
  - id: p2
    user: B
    due_at: 2026-01-01T00:00:00Z
    paid_at: 2026-01-03T12:00:00Z
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(flatFixture))
	require.NoError(t, err)

	assert.Equal(t, "g1", f.Group.ID)
	require.Len(t, f.Members, 3)
	assert.Equal(t, 0.9, f.Members[0].TrustScore)
	assert.Equal(t, "", f.Members[2].Wallet)

	require.Len(t, f.Expenses, 2)
	assert.True(t, f.Expenses[0].Amount.Equal(decimal.NewFromInt(90)))
	assert.True(t, f.Expenses[1].Amount.Equal(decimal.RequireFromString("12.345")))

	require.Len(t, f.Payments, 2)
	assert.Nil(t, f.Payments[0].PaidAt)
	require.NotNil(t, f.Payments[1].PaidAt)
	assert.Equal(t, time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC), f.Payments[1].PaidAt.UTC())
}

func TestGroupData(t *testing.T) {
	f, err := Parse([]byte(flatFixture))
	require.NoError(t, err)

	g := f.GroupData()
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, "Flat 4B", g.Name)
	assert.Equal(t, "USD", g.CurrencyTag)

	require.Len(t, g.Members, 3)
	assert.Equal(t, "wallet-A", g.Members[0].WalletRef)

	require.Len(t, g.Expenses, 2)
	assert.Equal(t, "USD", g.Expenses[0].CurrencyTag, "defaults to group currency")
	assert.Equal(t, "EUR", g.Expenses[1].CurrencyTag)
	assert.Equal(t, "groceries", g.Expenses[0].Description)

	require.Len(t, g.Payments, 2)
	assert.Equal(t, "p1", g.Payments[0].ID)
	assert.Nil(t, g.Payments[0].PaidAt)
	assert.True(t, g.Payments[1].Late())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing group id",
			yaml:    "group: {currency: USD}\nmembers: [{user: A}]\n",
			wantErr: "group.id is required",
		},
		{
			name:    "missing currency",
			yaml:    "group: {id: g1}\nmembers: [{user: A}]\n",
			wantErr: "group.currency is required",
		},
		{
			name:    "no members",
			yaml:    "group: {id: g1, currency: USD}\n",
			wantErr: "members is required",
		},
		{
			name:    "duplicate member",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}, {user: A}]\n",
			wantErr: "members contains duplicate entries",
		},
		{
			name:    "trust score out of range",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A, trust_score: 1.5}]\n",
			wantErr: "members[0].trust_score must be between 0 and 1",
		},
		{
			name:    "zero amount",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\nexpenses: [{id: e1, payer: A, amount: 0}]\n",
			wantErr: "expenses[0].amount must be a positive amount",
		},
		{
			name:    "negative amount",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\nexpenses: [{id: e1, payer: A, amount: -3}]\n",
			wantErr: "expenses[0].amount must be a positive amount",
		},
		{
			name:    "duplicate expense",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\nexpenses: [{id: e1, payer: A, amount: 1}, {id: e1, payer: A, amount: 2}]\n",
			wantErr: "expenses contains duplicate entries",
		},
		{
			name:    "payer not a member",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\nexpenses: [{id: e1, payer: Z, amount: 5}]\n",
			wantErr: `expense e1: payer "Z" is not a member`,
		},
		{
			name:    "payment user not a member",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\npayments: [{id: p1, user: Z, due_at: 2026-01-01T00:00:00Z}]\n",
			wantErr: `payment p1: user "Z" is not a member`,
		},
		{
			name:    "payment without due date",
			yaml:    "group: {id: g1, currency: USD}\nmembers: [{user: A}]\npayments: [{id: p1, user: A}]\n",
			wantErr: "payments[0].due_at is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFixture)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("group: {id: g1, currency: USD}\nmembers: [{user: A}]\nexpenses: [{id: e1, payer: A, amount: lots}]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse fixture")

	_, err = Parse([]byte("group: {id: g1, currency: USD}\nmembers: [{user: A, colour: red}]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
}

func TestLoad_ImportsIntoStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(flatFixture), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(dir, "settler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.ImportGroup(ctx, f.GroupData()))

	snap, err := s.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "Flat 4B", snap.Name)
	assert.Len(t, snap.Members, 3)
	assert.Len(t, snap.Expenses, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read fixture")
}
