package explain

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/money"
)

const summaryTemplate = `Cycle {{.CycleNumber}} for group {{.GroupID}}.
{{if .Settlements}}{{len .Settlements}} transfer(s) settle the group:
{{range .Settlements}}- {{.FromUserID}} pays {{.ToUserID}} {{amount .Amount}}
{{end}}{{else}}All balances are settled; no transfers are needed.
{{end}}{{with flagged}}Members at an elevated warning level:
{{range .}}- {{.}}
{{end}}{{end}}{{if .ExcludedMembers}}Enforcement applies to: {{join .ExcludedMembers}}.
{{end}}`

// Template is the deterministic explainer. It never fails on valid input.
type Template struct{}

func (Template) Explain(_ context.Context, in Input) (string, error) {
	funcs := template.FuncMap{
		"amount": func(d decimal.Decimal) string {
			return money.Format(d, in.CurrencyTag, in.Precision)
		},
		"flagged": func() []string {
			var out []string
			for _, user := range sortedKeys(in.WarningLevels) {
				level := in.WarningLevels[user]
				if level == ir.WarningNone {
					continue
				}
				out = append(out, fmt.Sprintf("%s %s (risk %.3f)", user, level, in.RiskScores[user]))
			}
			return out
		},
		"join": func(s []string) string {
			return strings.Join(s, ", ")
		},
	}

	tmpl, err := template.New("summary").Funcs(funcs).Parse(summaryTemplate)
	if err != nil {
		return "", fmt.Errorf("parse summary template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}
