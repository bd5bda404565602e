package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testGroup is a three-member group with one expense of 90 paid by A.
func testGroup() GroupData {
	due := testNow.Add(-72 * time.Hour)
	late := due.Add(24 * time.Hour)
	return GroupData{
		ID:          "g1",
		Name:        "Flat",
		CurrencyTag: "USD",
		Members: []ir.Member{
			{UserID: "A", WalletRef: "wallet-a", TrustScore: 0.5},
			{UserID: "B", WalletRef: "wallet-b", TrustScore: 0.5},
			{UserID: "C", WalletRef: "wallet-c", TrustScore: 0.5},
		},
		Expenses: []ExpenseRow{
			{Expense: ir.Expense{ID: "e1", PayerID: "A", Amount: decimal.NewFromInt(90), CurrencyTag: "USD"}, Description: "groceries"},
		},
		Payments: []PaymentRow{
			{ID: "p1", Payment: ir.Payment{UserID: "B", DueAt: due, PaidAt: &late}},
			{ID: "p2", Payment: ir.Payment{UserID: "C", DueAt: due}},
		},
	}
}

// testRecord builds a minimal cycle record for the test group.
func testRecord(id string, number int64) *ir.CycleRecord {
	return &ir.CycleRecord{
		ID:               id,
		GroupID:          "g1",
		Number:           number,
		Status:           ir.CycleCompleted,
		SettlementStatus: ir.SettlementPending,
		CurrencyTag:      "USD",
		Precision:        2,
		ExpenseIDs:       []string{"e1"},
		Balances: ir.Balances{
			{UserID: "A", Amount: decimal.NewFromInt(60)},
			{UserID: "B", Amount: decimal.NewFromInt(-30)},
			{UserID: "C", Amount: decimal.NewFromInt(-30)},
		},
		Settlements: []ir.Settlement{
			{FromUserID: "B", ToUserID: "A", Amount: decimal.NewFromInt(30)},
			{FromUserID: "C", ToUserID: "A", Amount: decimal.NewFromInt(30)},
		},
		RiskScores:     map[string]float64{"A": 0, "B": 0.4, "C": 0.9},
		WarningLevels:  map[string]ir.WarningLevel{"A": ir.WarningNone, "B": ir.WarningLevel1, "C": ir.WarningLevel3},
		DecisionDigest: "digest",
		StartedAt:      testNow,
		CompletedAt:    testNow.Add(time.Second),
	}
}
