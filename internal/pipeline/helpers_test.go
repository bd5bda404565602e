package pipeline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/policy"
	"github.com/roach88/settler/internal/testutil"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func walletMembers(ids ...string) []ir.Member {
	out := make([]ir.Member, len(ids))
	for i, id := range ids {
		out[i] = ir.Member{UserID: id, WalletRef: "wallet-" + id}
	}
	return out
}

func expense(id, payer string, amount int64) ir.Expense {
	return ir.Expense{ID: id, PayerID: payer, Amount: decimal.NewFromInt(amount), CurrencyTag: "USD"}
}

// referenceRepo holds members [A,B,C] and one expense of 90 paid by A.
func referenceRepo() *testutil.Repository {
	repo := testutil.NewRepository()
	repo.AddGroup("g1", "USD", walletMembers("A", "B", "C"), []ir.Expense{expense("e1", "A", 90)}, nil)
	return repo
}

// riskyRepo holds a group where C scores 0.8 + 0.04 per prior warning:
// every paid payment was late, five are missed, and C owes 10000.
func riskyRepo() *testutil.Repository {
	late := func(due, paid string) ir.Payment {
		p := at(paid)
		return ir.Payment{UserID: "C", DueAt: at(due), PaidAt: &p}
	}
	missed := func(due string) ir.Payment {
		return ir.Payment{UserID: "C", DueAt: at(due)}
	}

	repo := testutil.NewRepository()
	repo.AddGroup("g1", "USD",
		walletMembers("A", "B", "C"),
		[]ir.Expense{expense("e1", "A", 30000)},
		[]ir.Payment{
			late("2025-04-01", "2025-04-05"),
			late("2025-05-01", "2025-05-04"),
			missed("2025-01-15"),
			missed("2025-02-15"),
			missed("2025-03-15"),
			missed("2025-04-15"),
			missed("2025-05-15"),
		},
	)
	return repo
}

func treasuryPolicy(t *testing.T, extra string) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(`ledger: treasury_wallet: "treasury"`+"\n"+extra), "test.cue")
	require.NoError(t, err)
	return p
}

func newTestOrchestrator(t *testing.T, repo Repository, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithNow(func() time.Time { return testNow }),
		WithIDGenerator(testutil.NewSequentialIDs("cycle")),
		WithExplainer(&testutil.Explainer{Text: "All settled."}),
		WithExecutor(&testutil.Executor{}),
	}
	o, err := New(repo, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func usd(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
