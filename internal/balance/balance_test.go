package balance

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settler/internal/ir"
)

func members(ids ...string) []ir.Member {
	out := make([]ir.Member, len(ids))
	for i, id := range ids {
		out[i] = ir.Member{UserID: id, TrustScore: 0.5}
	}
	return out
}

func expense(id, payer, amount string) ir.Expense {
	return ir.Expense{ID: id, PayerID: payer, Amount: decimal.RequireFromString(amount), CurrencyTag: "ALGO"}
}

func TestCompute_SingleExpense(t *testing.T) {
	b, err := Compute(members("A", "B", "C"), []ir.Expense{expense("e1", "A", "90")})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, b.UserIDs())
	assert.True(t, b.Amount("A").Equal(decimal.NewFromInt(60)), "A=%s", b.Amount("A"))
	assert.True(t, b.Amount("B").Equal(decimal.NewFromInt(-30)), "B=%s", b.Amount("B"))
	assert.True(t, b.Amount("C").Equal(decimal.NewFromInt(-30)), "C=%s", b.Amount("C"))
}

func TestCompute_NoExpenses(t *testing.T) {
	b, err := Compute(members("A", "B"), nil)
	require.NoError(t, err)
	for _, e := range b {
		assert.True(t, e.Amount.IsZero())
	}
}

func TestCompute_SingleMember(t *testing.T) {
	b, err := Compute(members("A"), []ir.Expense{expense("e1", "A", "42")})
	require.NoError(t, err)
	assert.True(t, b.Amount("A").IsZero())
}

func TestCompute_NonTerminatingShareConserves(t *testing.T) {
	b, err := Compute(members("A", "B", "C"), []ir.Expense{expense("e1", "A", "100")})
	require.NoError(t, err)
	assert.True(t, b.Sum().IsZero(), "sum=%s", b.Sum())
}

func TestCompute_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(9)
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("u%d", i)
		}
		var exps []ir.Expense
		for i := 0; i < rng.Intn(20); i++ {
			amt := decimal.New(int64(1+rng.Intn(100000)), -2)
			exps = append(exps, ir.Expense{ID: fmt.Sprintf("e%d", i), PayerID: ids[rng.Intn(n)], Amount: amt})
		}

		b, err := Compute(members(ids...), exps)
		require.NoError(t, err)
		assert.True(t, b.Sum().Abs().LessThan(decimal.New(1, -12)), "round %d sum=%s", round, b.Sum())
	}
}

func TestCompute_Errors(t *testing.T) {
	tests := []struct {
		name     string
		members  []ir.Member
		expenses []ir.Expense
		want     error
	}{
		{"empty group", nil, []ir.Expense{expense("e1", "A", "10")}, ErrNoMembers},
		{"zero amount", members("A", "B"), []ir.Expense{expense("e1", "A", "0")}, ErrMalformedExpense},
		{"negative amount", members("A", "B"), []ir.Expense{expense("e1", "A", "-5")}, ErrMalformedExpense},
		{"unknown payer", members("A", "B"), []ir.Expense{expense("e1", "Z", "5")}, ErrMalformedExpense},
		{"duplicate member", members("A", "A"), nil, ErrDuplicateMember},
		{"empty id", members(""), nil, ErrDuplicateMember},
		{"mixed currency", members("A", "B"), []ir.Expense{
			expense("e1", "A", "5"),
			{ID: "e2", PayerID: "B", Amount: decimal.NewFromInt(5), CurrencyTag: "USD"},
		}, ErrMixedCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.members, tt.expenses)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompute_RemovedMember(t *testing.T) {
	ms := members("A", "B", "C")
	ms[2].Removed = true

	t.Run("frozen split still charges a removed member", func(t *testing.T) {
		e1 := expense("e1", "A", "90")
		e1.Participants = []string{"A", "B", "C"}

		b, err := Compute(ms, []ir.Expense{e1})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, b.UserIDs())
		assert.True(t, b.Amount("A").Equal(decimal.NewFromInt(60)), "A=%s", b.Amount("A"))
		assert.True(t, b.Amount("C").Equal(decimal.NewFromInt(-30)), "C=%s", b.Amount("C"))
	})

	t.Run("new expenses skip a removed member", func(t *testing.T) {
		b, err := Compute(ms, []ir.Expense{expense("e2", "B", "40")})
		require.NoError(t, err)
		assert.True(t, b.Amount("A").Equal(decimal.NewFromInt(-20)), "A=%s", b.Amount("A"))
		assert.True(t, b.Amount("B").Equal(decimal.NewFromInt(20)), "B=%s", b.Amount("B"))
		assert.True(t, b.Amount("C").IsZero(), "C=%s", b.Amount("C"))
	})

	t.Run("a removed payer is credited", func(t *testing.T) {
		e3 := expense("e3", "C", "90")
		e3.Participants = []string{"A", "B", "C"}

		b, err := Compute(ms, []ir.Expense{e3})
		require.NoError(t, err)
		assert.True(t, b.Amount("C").Equal(decimal.NewFromInt(60)), "C=%s", b.Amount("C"))
		assert.True(t, b.Sum().IsZero())
	})

	t.Run("payer outside the split is credited in full", func(t *testing.T) {
		e4 := expense("e4", "C", "50")
		e4.Participants = []string{"A", "B"}

		b, err := Compute(ms, []ir.Expense{e4})
		require.NoError(t, err)
		assert.True(t, b.Amount("C").Equal(decimal.NewFromInt(50)), "C=%s", b.Amount("C"))
		assert.True(t, b.Amount("A").Equal(decimal.NewFromInt(-25)), "A=%s", b.Amount("A"))
	})

	t.Run("split onto a stranger", func(t *testing.T) {
		e5 := expense("e5", "A", "10")
		e5.Participants = []string{"A", "Z"}

		_, err := Compute(ms, []ir.Expense{e5})
		assert.ErrorIs(t, err, ErrMalformedExpense)
	})

	t.Run("nobody left to split across", func(t *testing.T) {
		gone := members("A")
		gone[0].Removed = true

		_, err := Compute(gone, []ir.Expense{expense("e6", "A", "10")})
		assert.ErrorIs(t, err, ErrNoMembers)
	})
}

func TestApplyPayouts(t *testing.T) {
	b, err := Compute(members("A", "B", "C"), []ir.Expense{expense("e1", "A", "90")})
	require.NoError(t, err)

	paid := ir.Payout{ID: "c1:settlement:1", FromUserID: "C", ToUserID: "A", Amount: decimal.NewFromInt(30)}
	got, err := ApplyPayouts(b, []ir.Payout{paid})
	require.NoError(t, err)

	assert.True(t, got.Amount("A").Equal(decimal.NewFromInt(30)), "A=%s", got.Amount("A"))
	assert.True(t, got.Amount("B").Equal(decimal.NewFromInt(-30)), "B=%s", got.Amount("B"))
	assert.True(t, got.Amount("C").IsZero(), "C=%s", got.Amount("C"))
	assert.True(t, got.Sum().IsZero())
	assert.True(t, b.Amount("C").Equal(decimal.NewFromInt(-30)), "input untouched")

	_, err = ApplyPayouts(b, []ir.Payout{{ID: "p", FromUserID: "Z", ToUserID: "A", Amount: decimal.NewFromInt(1)}})
	assert.ErrorIs(t, err, ErrMalformedPayout)

	_, err = ApplyPayouts(b, []ir.Payout{{ID: "p", FromUserID: "B", ToUserID: "A", Amount: decimal.Zero}})
	assert.ErrorIs(t, err, ErrMalformedPayout)
}

func TestCurrencyOf(t *testing.T) {
	tag, err := CurrencyOf([]ir.Expense{{CurrencyTag: ""}, {CurrencyTag: "EUR"}, {CurrencyTag: "EUR"}})
	require.NoError(t, err)
	assert.Equal(t, "EUR", tag)

	tag, err = CurrencyOf(nil)
	require.NoError(t, err)
	assert.Equal(t, "", tag)
}
