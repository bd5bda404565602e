package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/settler/internal/ir"
)

// GroupData is the raw data of a group as imported from a fixture.
type GroupData struct {
	ID          string
	Name        string
	CurrencyTag string
	Members     []ir.Member
	Expenses    []ExpenseRow
	Payments    []PaymentRow
}

// ExpenseRow is an expense with its import-only fields.
type ExpenseRow struct {
	ir.Expense
	Description string
}

// PaymentRow is a payment with its stable id.
type PaymentRow struct {
	ID string
	ir.Payment
}

// ImportGroup inserts or updates a group in one transaction.
//
// Members are upserted (wallet and trust score follow the import, join
// order is kept) and reactivated. Expenses are insert-only: an expense id
// already present is silently ignored, so re-importing never unsettles
// anything. Payments are upserted by id so paid_at can be filled later.
func (s *Store) ImportGroup(ctx context.Context, g GroupData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import group: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, currency_tag, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, currency_tag = excluded.currency_tag
	`, g.ID, g.Name, g.CurrencyTag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("import group: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_warning_state (group_id, version) VALUES (?, 0)
		ON CONFLICT(group_id) DO NOTHING
	`, g.ID)
	if err != nil {
		return fmt.Errorf("import group state: %w", err)
	}

	for _, m := range g.Members {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO members (group_id, user_id, wallet_ref, trust_score, is_active, seq)
			VALUES (?, ?, ?, ?, 1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM members WHERE group_id = ?))
			ON CONFLICT(group_id, user_id) DO UPDATE SET
				wallet_ref = excluded.wallet_ref,
				trust_score = excluded.trust_score,
				is_active = 1
		`, g.ID, m.UserID, m.WalletRef, m.TrustScore, g.ID)
		if err != nil {
			return fmt.Errorf("import member %s: %w", m.UserID, err)
		}
	}

	for _, e := range g.Expenses {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO expenses (id, group_id, payer_id, amount, currency_tag, description, settled, seq)
			VALUES (?, ?, ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(seq), 0) + 1 FROM expenses WHERE group_id = ?))
			ON CONFLICT(id) DO NOTHING
		`, e.ID, g.ID, e.PayerID, e.Amount.String(), e.CurrencyTag, e.Description, g.ID)
		if err != nil {
			return fmt.Errorf("import expense %s: %w", e.ID, err)
		}
	}

	for _, p := range g.Payments {
		var paidAt sql.NullString
		if p.PaidAt != nil {
			paidAt = sql.NullString{String: formatTime(*p.PaidAt), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, group_id, user_id, due_at, paid_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET paid_at = excluded.paid_at
		`, p.ID, g.ID, p.UserID, formatTime(p.DueAt), paidAt)
		if err != nil {
			return fmt.Errorf("import payment %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("import group: %w", err)
	}
	return nil
}

// SaveCycle archives a cycle and writes its counters in one transaction.
//
// counts.Version must equal the stored version; otherwise the transaction
// is abandoned and ErrVersionConflict returned. On success the stored
// version is incremented and older pending cycles of the group become
// superseded. Members listed in deactivate are marked inactive; before
// that, the cycle's expenses keep the split the cycle used.
func (s *Store) SaveCycle(ctx context.Context, rec *ir.CycleRecord, counts ir.WarningCounts, deactivate []string) error {
	record, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE group_warning_state SET version = version + 1
		WHERE group_id = ? AND version = ?
	`, rec.GroupID, counts.Version)
	if err != nil {
		return fmt.Errorf("save cycle: bump version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save cycle: %w", err)
	} else if n == 0 {
		if counts.Version != 0 {
			return fmt.Errorf("save cycle %s: %w", rec.ID, ErrVersionConflict)
		}
		// first write for a group that never had a state row
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_warning_state (group_id, version) VALUES (?, 1)
		`, rec.GroupID)
		if err != nil {
			return fmt.Errorf("save cycle %s: %w", rec.ID, ErrVersionConflict)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM warning_counts WHERE group_id = ?`, rec.GroupID); err != nil {
		return fmt.Errorf("save cycle: clear counts: %w", err)
	}
	for user, count := range counts.Counts {
		if count == 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO warning_counts (group_id, user_id, count) VALUES (?, ?, ?)
		`, rec.GroupID, user, count)
		if err != nil {
			return fmt.Errorf("save cycle: write count %s: %w", user, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cycles SET settlement_status = ?
		WHERE group_id = ? AND settlement_status = ?
	`, string(ir.SettlementSuperseded), rec.GroupID, string(ir.SettlementPending))
	if err != nil {
		return fmt.Errorf("save cycle: supersede pending: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles
		(id, group_id, number, status, settlement_status, decision_digest, record, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.GroupID,
		rec.Number,
		string(rec.Status),
		string(rec.SettlementStatus),
		rec.DecisionDigest,
		record,
		formatTime(rec.StartedAt),
		formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save cycle: insert record: %w", err)
	}

	for _, id := range rec.ExpenseIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cycle_expenses (cycle_id, expense_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, rec.ID, id)
		if err != nil {
			return fmt.Errorf("save cycle: link expense %s: %w", id, err)
		}
	}

	if err := insertResults(ctx, tx, rec.ID, rec.ExecutionResults); err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}

	if len(deactivate) > 0 {
		if err := freezeSplits(ctx, tx, rec); err != nil {
			return fmt.Errorf("save cycle: %w", err)
		}
	}
	for _, user := range deactivate {
		_, err = tx.ExecContext(ctx, `
			UPDATE members SET is_active = 0 WHERE group_id = ? AND user_id = ?
		`, rec.GroupID, user)
		if err != nil {
			return fmt.Errorf("save cycle: deactivate %s: %w", user, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// CompleteSettlement records the payout of a pending cycle. When the
// outcome is executed the expenses and payouts consumed by the cycle are
// marked settled; otherwise the outcome's payouts stay open for the next
// cycle.
func (s *Store) CompleteSettlement(ctx context.Context, cycleID string, outcome ir.SettlementOutcome) error {
	status, results := outcome.Status, outcome.Results

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	defer tx.Rollback()

	var (
		current string
		record  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT settlement_status, record FROM cycles WHERE id = ?
	`, cycleID).Scan(&current, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("complete settlement %s: %w", cycleID, ErrCycleNotFound)
	}
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	if ir.SettlementStatus(current) != ir.SettlementPending {
		return fmt.Errorf("complete settlement %s (%s): %w", cycleID, current, ErrNotPending)
	}

	rec, err := unmarshalRecord(record)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	executedAt := outcome.At.UTC()
	rec.SettlementStatus = status
	rec.SettlementResults = results
	rec.ExecutedAt = &executedAt
	if record, err = marshalRecord(rec); err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cycles SET settlement_status = ?, record = ?, executed_at = ? WHERE id = ?
	`, string(status), record, formatTime(executedAt), cycleID)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}

	if err := insertResults(ctx, tx, cycleID, results); err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}

	settled := 0
	if status == ir.SettlementExecuted {
		settled = 1
	}
	for _, p := range outcome.Payouts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payouts (id, group_id, cycle_id, payer_id, payee_id, amount, settled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, rec.GroupID, cycleID, p.FromUserID, p.ToUserID, p.Amount.String(), settled)
		if err != nil {
			return fmt.Errorf("complete settlement: write payout %s: %w", p.ID, err)
		}
	}

	if status == ir.SettlementExecuted {
		_, err = tx.ExecContext(ctx, `
			UPDATE expenses SET settled = 1
			WHERE id IN (SELECT expense_id FROM cycle_expenses WHERE cycle_id = ?)
		`, cycleID)
		if err != nil {
			return fmt.Errorf("complete settlement: mark expenses: %w", err)
		}
		for _, id := range rec.PayoutIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE payouts SET settled = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("complete settlement: mark payout %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	return nil
}

// ResetWarningCount zeroes one member's counter and bumps the group's
// counter version. This is the only path that lowers a counter.
func (s *Store) ResetWarningCount(ctx context.Context, groupID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM members WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("reset warnings %s/%s: %w", groupID, userID, ErrMemberNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM warning_counts WHERE group_id = ? AND user_id = ?
	`, groupID, userID); err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_warning_state (group_id, version) VALUES (?, 1)
		ON CONFLICT(group_id) DO UPDATE SET version = version + 1
	`, groupID); err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}
	return nil
}

// freezeSplits pins every expense of rec without a frozen split to the
// members rec split it across.
func freezeSplits(ctx context.Context, tx *sql.Tx, rec *ir.CycleRecord) error {
	var split []string
	for _, m := range rec.Members {
		if !m.Removed {
			split = append(split, m.UserID)
		}
	}
	for _, id := range rec.ExpenseIDs {
		var frozen int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM expense_participants WHERE expense_id = ?
		`, id).Scan(&frozen)
		if err != nil {
			return fmt.Errorf("freeze split of %s: %w", id, err)
		}
		if frozen > 0 {
			continue
		}
		for _, user := range split {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO expense_participants (expense_id, user_id) VALUES (?, ?)
			`, id, user)
			if err != nil {
				return fmt.Errorf("freeze split of %s: %w", id, err)
			}
		}
	}
	return nil
}

// insertResults writes per-action outcomes. A repeated action id keeps its
// first outcome.
func insertResults(ctx context.Context, tx *sql.Tx, cycleID string, results []ir.ExecutionResult) error {
	for _, r := range results {
		success := 0
		if r.Success {
			success = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_results
			(cycle_id, action_id, kind, user_id, success, external_reference, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, cycleID, r.ActionID, string(r.Kind), r.UserID, success, r.ExternalReference, r.Error)
		if err != nil {
			return fmt.Errorf("write result %s: %w", r.ActionID, err)
		}
	}
	return nil
}
