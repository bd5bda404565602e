package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

// LoadGroup returns the members, the unsettled expenses and payouts and the
// warning counters of a group, plus the number the next cycle will get.
//
// Members are the active ones plus removed ones still party to an open
// expense or payout, flagged Removed. A group without counters yields an
// empty record at version 0.
func (s *Store) LoadGroup(ctx context.Context, groupID string) (ir.GroupSnapshot, error) {
	snap := ir.GroupSnapshot{GroupID: groupID}

	err := s.db.QueryRowContext(ctx, `SELECT name, currency_tag FROM groups WHERE id = ?`, groupID).Scan(&snap.Name, &snap.CurrencyTag)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.GroupSnapshot{}, fmt.Errorf("load group %s: %w", groupID, ErrGroupNotFound)
	}
	if err != nil {
		return ir.GroupSnapshot{}, fmt.Errorf("load group: %w", err)
	}

	if snap.Members, err = s.readMembers(ctx, groupID); err != nil {
		return ir.GroupSnapshot{}, err
	}
	if snap.Expenses, err = s.readUnsettledExpenses(ctx, groupID); err != nil {
		return ir.GroupSnapshot{}, err
	}
	if snap.Payouts, err = s.readOpenPayouts(ctx, groupID); err != nil {
		return ir.GroupSnapshot{}, err
	}
	if snap.WarningCounts, err = s.WarningCounts(ctx, groupID); err != nil {
		return ir.GroupSnapshot{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number), 0) + 1 FROM cycles WHERE group_id = ?
	`, groupID).Scan(&snap.NextCycleNumber)
	if err != nil {
		return ir.GroupSnapshot{}, fmt.Errorf("next cycle number: %w", err)
	}

	return snap, nil
}

// readMembers returns the members a cycle folds, in join order.
func (s *Store) readMembers(ctx context.Context, groupID string) ([]ir.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, wallet_ref, trust_score, is_active
		FROM members
		WHERE group_id = ? AND (is_active = 1 OR user_id IN (
			SELECT payer_id FROM expenses WHERE group_id = ? AND settled = 0
			UNION
			SELECT p.user_id FROM expense_participants p
			JOIN expenses e ON e.id = p.expense_id
			WHERE e.group_id = ? AND e.settled = 0
			UNION
			SELECT payer_id FROM payouts WHERE group_id = ? AND settled = 0
			UNION
			SELECT payee_id FROM payouts WHERE group_id = ? AND settled = 0
		))
		ORDER BY seq ASC, user_id COLLATE BINARY ASC
	`, groupID, groupID, groupID, groupID, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []ir.Member{}
	for rows.Next() {
		var (
			m      ir.Member
			active bool
		)
		if err := rows.Scan(&m.UserID, &m.WalletRef, &m.TrustScore, &active); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Removed = !active
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *Store) readUnsettledExpenses(ctx context.Context, groupID string) ([]ir.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payer_id, amount, currency_tag
		FROM expenses
		WHERE group_id = ? AND settled = 0
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	expenses := []ir.Expense{}
	for rows.Next() {
		var (
			e      ir.Expense
			amount string
		)
		if err := rows.Scan(&e.ID, &e.PayerID, &amount, &e.CurrencyTag); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("expense %s amount %q: %w", e.ID, amount, err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	rows.Close()

	participants, err := s.readParticipants(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for i := range expenses {
		expenses[i].Participants = participants[expenses[i].ID]
	}
	return expenses, nil
}

// readParticipants returns the frozen splits of a group's open expenses,
// each in join order.
func (s *Store) readParticipants(ctx context.Context, groupID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.expense_id, p.user_id
		FROM expense_participants p
		JOIN expenses e ON e.id = p.expense_id
		LEFT JOIN members m ON m.group_id = e.group_id AND m.user_id = p.user_id
		WHERE e.group_id = ? AND e.settled = 0
		ORDER BY p.expense_id, m.seq ASC, p.user_id COLLATE BINARY ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var expenseID, userID string
		if err := rows.Scan(&expenseID, &userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out[expenseID] = append(out[expenseID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

// readOpenPayouts returns the payouts no executed cycle has settled yet.
func (s *Store) readOpenPayouts(ctx context.Context, groupID string) ([]ir.Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, payer_id, payee_id, amount
		FROM payouts
		WHERE group_id = ? AND settled = 0
		ORDER BY rowid ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	payouts := []ir.Payout{}
	for rows.Next() {
		var (
			p      ir.Payout
			amount string
		)
		if err := rows.Scan(&p.ID, &p.CycleID, &p.FromUserID, &p.ToUserID, &amount); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payout %s amount %q: %w", p.ID, amount, err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return payouts, nil
}

// LoadHistory returns the payment history of a group as seen at now.
func (s *Store) LoadHistory(ctx context.Context, groupID string, now time.Time) (ir.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, due_at, paid_at
		FROM payments
		WHERE group_id = ?
		ORDER BY due_at ASC, id COLLATE BINARY ASC
	`, groupID)
	if err != nil {
		return ir.History{}, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []ir.Payment
	for rows.Next() {
		var (
			p      ir.Payment
			dueAt  string
			paidAt sql.NullString
		)
		if err := rows.Scan(&p.UserID, &dueAt, &paidAt); err != nil {
			return ir.History{}, fmt.Errorf("scan payment: %w", err)
		}
		if p.DueAt, err = parseTime(dueAt); err != nil {
			return ir.History{}, fmt.Errorf("payment due_at: %w", err)
		}
		if paidAt.Valid {
			t, err := parseTime(paidAt.String)
			if err != nil {
				return ir.History{}, fmt.Errorf("payment paid_at: %w", err)
			}
			p.PaidAt = &t
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return ir.History{}, fmt.Errorf("iterate payments: %w", err)
	}

	return ir.HistoryFromPayments(payments, now), nil
}

// WarningCounts returns the persisted counters of a group.
func (s *Store) WarningCounts(ctx context.Context, groupID string) (ir.WarningCounts, error) {
	wc := ir.WarningCounts{Counts: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM group_warning_state WHERE group_id = ?
	`, groupID).Scan(&wc.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ir.WarningCounts{}, fmt.Errorf("query warning version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, count FROM warning_counts WHERE group_id = ?
	`, groupID)
	if err != nil {
		return ir.WarningCounts{}, fmt.Errorf("query warning counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			user  string
			count int
		)
		if err := rows.Scan(&user, &count); err != nil {
			return ir.WarningCounts{}, fmt.Errorf("scan warning count: %w", err)
		}
		wc.Counts[user] = count
	}
	if err := rows.Err(); err != nil {
		return ir.WarningCounts{}, fmt.Errorf("iterate warning counts: %w", err)
	}
	return wc, nil
}

// LoadCycle returns an archived cycle. The settlement status column wins
// over the archived record, which does not see supersession.
func (s *Store) LoadCycle(ctx context.Context, cycleID string) (*ir.CycleRecord, error) {
	var record, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT record, settlement_status FROM cycles WHERE id = ?
	`, cycleID).Scan(&record, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load cycle %s: %w", cycleID, ErrCycleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}
	rec, err := unmarshalRecord(record)
	if err != nil {
		return nil, err
	}
	rec.SettlementStatus = ir.SettlementStatus(status)
	return rec, nil
}

// CycleSummary is one row of a group's cycle listing.
type CycleSummary struct {
	ID               string              `json:"id"`
	Number           int64               `json:"number"`
	Status           ir.CycleStatus      `json:"status"`
	SettlementStatus ir.SettlementStatus `json:"settlement_status"`
	CompletedAt      time.Time           `json:"completed_at"`
}

// ListCycles returns a group's cycles, oldest first.
func (s *Store) ListCycles(ctx context.Context, groupID string) ([]CycleSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, status, settlement_status, completed_at
		FROM cycles
		WHERE group_id = ?
		ORDER BY number ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	out := []CycleSummary{}
	for rows.Next() {
		var (
			c           CycleSummary
			completedAt string
		)
		if err := rows.Scan(&c.ID, &c.Number, &c.Status, &c.SettlementStatus, &completedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if c.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, fmt.Errorf("cycle completed_at: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}
