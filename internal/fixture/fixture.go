// Package fixture reads group fixtures, the YAML import format for groups,
// their members, shared expenses and payment history.
//
// A fixture is decoded with yaml.v3, checked with struct tags through
// go-playground/validator and a few cross-field rules, then converted into
// the store's import shape.
package fixture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/store"
)

var (
	// ErrInvalidFixture wraps every validation failure.
	ErrInvalidFixture = errors.New("invalid fixture")

	// ErrValidatorInit is returned when a custom rule cannot be registered.
	ErrValidatorInit = errors.New("fixture validator initialization failed")
)

// Fixture is one group as written in a fixture file.
type Fixture struct {
	Group    Group     `yaml:"group" validate:"required"`
	Members  []Member  `yaml:"members" validate:"required,min=1,unique=UserID,dive"`
	Expenses []Expense `yaml:"expenses" validate:"unique=ID,dive"`
	Payments []Payment `yaml:"payments" validate:"unique=ID,dive"`
}

// Group identifies the group and its default currency.
type Group struct {
	ID       string `yaml:"id" validate:"required,max=128"`
	Name     string `yaml:"name" validate:"max=256"`
	Currency string `yaml:"currency" validate:"required,max=16"`
}

// Member is a participant. Wallet may be empty; enforcement against such a
// member produces a failed ledger result rather than a pipeline error.
type Member struct {
	UserID     string  `yaml:"user" validate:"required,max=128"`
	Wallet     string  `yaml:"wallet"`
	TrustScore float64 `yaml:"trust_score" validate:"gte=0,lte=1"`
}

// Expense is a shared cost paid by one member. Currency defaults to the
// group's currency.
type Expense struct {
	ID          string          `yaml:"id" validate:"required,max=128"`
	Payer       string          `yaml:"payer" validate:"required"`
	Amount      decimal.Decimal `yaml:"amount" validate:"positive_decimal"`
	Currency    string          `yaml:"currency" validate:"max=16"`
	Description string          `yaml:"description"`
}

// Payment is one due payment of a member; PaidAt stays empty while unpaid.
type Payment struct {
	ID     string     `yaml:"id" validate:"required,max=128"`
	UserID string     `yaml:"user" validate:"required"`
	DueAt  time.Time  `yaml:"due_at" validate:"required"`
	PaidAt *time.Time `yaml:"paid_at,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := vld.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)
		if !ok {
			return false
		}
		return value.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("%w: positive_decimal: %w", ErrValidatorInit, err)
	}
	return vld, nil
}

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	return validate, errValidate
}

// Load reads and validates a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates fixture YAML. Unknown keys are rejected.
func Parse(data []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate runs the tag rules and then the cross-field rules: every payer
// and payment user must be a member.
func (f *Fixture) Validate() error {
	vld, err := getValidator()
	if err != nil {
		return err
	}
	if err := vld.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return formatFieldError(verrs[0])
		}
		return fmt.Errorf("%w: %w", ErrInvalidFixture, err)
	}

	members := make(map[string]bool, len(f.Members))
	for _, m := range f.Members {
		members[m.UserID] = true
	}
	for _, e := range f.Expenses {
		if !members[e.Payer] {
			return fmt.Errorf("%w: expense %s: payer %q is not a member", ErrInvalidFixture, e.ID, e.Payer)
		}
	}
	for _, p := range f.Payments {
		if !members[p.UserID] {
			return fmt.Errorf("%w: payment %s: user %q is not a member", ErrInvalidFixture, p.ID, p.UserID)
		}
		if p.PaidAt != nil && p.PaidAt.IsZero() {
			return fmt.Errorf("%w: payment %s: paid_at is empty", ErrInvalidFixture, p.ID)
		}
	}
	return nil
}

func formatFieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalidFixture, field)
	case "min":
		return fmt.Errorf("%w: %s needs at least %s entries", ErrInvalidFixture, field, fe.Param())
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters", ErrInvalidFixture, field, fe.Param())
	case "gte", "lte":
		return fmt.Errorf("%w: %s must be between 0 and 1", ErrInvalidFixture, field)
	case "unique":
		return fmt.Errorf("%w: %s contains duplicate entries", ErrInvalidFixture, field)
	case "positive_decimal":
		return fmt.Errorf("%w: %s must be a positive amount", ErrInvalidFixture, field)
	}
	return fmt.Errorf("%w: %s failed %q check", ErrInvalidFixture, field, fe.Tag())
}

// GroupData converts the fixture into the store import shape.
func (f *Fixture) GroupData() store.GroupData {
	g := store.GroupData{
		ID:          f.Group.ID,
		Name:        f.Group.Name,
		CurrencyTag: f.Group.Currency,
	}
	for _, m := range f.Members {
		g.Members = append(g.Members, ir.Member{
			UserID:     m.UserID,
			WalletRef:  m.Wallet,
			TrustScore: m.TrustScore,
		})
	}
	for _, e := range f.Expenses {
		currency := e.Currency
		if currency == "" {
			currency = f.Group.Currency
		}
		g.Expenses = append(g.Expenses, store.ExpenseRow{
			Expense: ir.Expense{
				ID:          e.ID,
				PayerID:     e.Payer,
				Amount:      e.Amount,
				CurrencyTag: currency,
			},
			Description: e.Description,
		})
	}
	for _, p := range f.Payments {
		row := store.PaymentRow{
			ID:      p.ID,
			Payment: ir.Payment{UserID: p.UserID, DueAt: p.DueAt.UTC()},
		}
		if p.PaidAt != nil {
			paid := p.PaidAt.UTC()
			row.PaidAt = &paid
		}
		g.Payments = append(g.Payments, row)
	}
	return g
}
