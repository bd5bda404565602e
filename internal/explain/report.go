package explain

import (
	"fmt"
	"strings"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/money"
)

// Report renders an archived cycle as markdown.
func Report(rec *ir.CycleRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Cycle %d of %s\n\n", rec.Number, rec.GroupID)
	fmt.Fprintf(&b, "- **ID:** `%s`\n", rec.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", rec.Status)
	fmt.Fprintf(&b, "- **Settlements:** %s\n", rec.SettlementStatus)
	fmt.Fprintf(&b, "- **Completed:** %s\n", rec.CompletedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- **Decision digest:** `%s`\n\n", rec.DecisionDigest)

	b.WriteString("## Members\n\n")
	b.WriteString("| Member | Balance | Risk | Level | Warnings | Enforced |\n")
	b.WriteString("|---|---:|---:|---|---:|---|\n")
	for _, bal := range rec.Balances {
		enforced := ""
		if rec.EnforcementFlags[bal.UserID] {
			enforced = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %.3f | %s | %d | %s |\n",
			bal.UserID,
			money.Format(bal.Amount, rec.CurrencyTag, rec.Precision),
			rec.RiskScores[bal.UserID],
			rec.WarningLevels[bal.UserID],
			rec.WarningCounts[bal.UserID],
			enforced,
		)
	}

	b.WriteString("\n## Transfers\n\n")
	if len(rec.Settlements) == 0 {
		b.WriteString("No transfers needed.\n")
	}
	for _, s := range rec.Settlements {
		fmt.Fprintf(&b, "- %s → %s: %s\n", s.FromUserID, s.ToUserID, money.Format(s.Amount, rec.CurrencyTag, rec.Precision))
	}

	if len(rec.GovernanceActions) > 0 {
		b.WriteString("\n## Governance\n\n")
		for _, a := range rec.GovernanceActions {
			fmt.Fprintf(&b, "- **%s**: %s", a.UserID, a.Reason)
			if a.DeductWallet {
				fmt.Fprintf(&b, "; deduct %s", money.Format(a.AmountToDeduct, rec.CurrencyTag, rec.Precision))
			}
			if a.RemoveUser {
				b.WriteString("; remove")
			}
			b.WriteString("\n")
		}
	}

	writeResults(&b, "Ledger results", rec.ExecutionResults)
	writeResults(&b, "Settlement results", rec.SettlementResults)

	b.WriteString("\n## Explanation\n\n")
	b.WriteString(strings.TrimSpace(rec.Explanation))
	b.WriteString("\n")
	if rec.ExecutionAddendum != "" {
		b.WriteString("\n")
		b.WriteString(rec.ExecutionAddendum)
		b.WriteString("\n")
	}
	return b.String()
}

func writeResults(b *strings.Builder, title string, results []ir.ExecutionResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	b.WriteString("| Action | Kind | Member | Outcome |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, r := range results {
		outcome := "ok " + r.ExternalReference
		if !r.Success {
			outcome = "failed: " + r.Error
		}
		fmt.Fprintf(b, "| `%s` | %s | %s | %s |\n", r.ActionID, r.Kind, r.UserID, strings.TrimSpace(outcome))
	}
}
