package ledger

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var ErrInvalidArgument = errors.New("invalid argument")

var validate = newValidator()

// newValidator registers exact comparison tags for decimal.Decimal fields:
// dgt, dgte and dlte take a decimal parameter, and cents requires the value
// to stay positive once rounded to two places.
func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "dgt", decimalCompare(func(c int) bool { return c > 0 }))
	mustRegister(v, "dgte", decimalCompare(func(c int) bool { return c >= 0 }))
	mustRegister(v, "dlte", decimalCompare(func(c int) bool { return c <= 0 }))
	mustRegister(v, "cents", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.Round(2).IsPositive()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

func decimalCompare(accept func(cmp int) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		if !ok {
			return false
		}
		bound, err := decimal.NewFromString(fl.Param())
		if err != nil {
			return false
		}
		return accept(d.Cmp(bound))
	}
}

// ClientInput carries the identity attributes of the borrower.
type ClientInput struct {
	FullName    string `json:"full_name" validate:"required,max=200"`
	Address     string `json:"address" validate:"max=300"`
	NationalID  string `json:"national_id" validate:"required,max=32"`
	SecondaryID string `json:"secondary_id" validate:"max=32"`
	Phone       string `json:"phone" validate:"max=32"`
}

// CreateLoanRequest is the input for registering a loan.
type CreateLoanRequest struct {
	Client            ClientInput     `json:"client"`
	OriginalAmount    decimal.Decimal `json:"original_amount" validate:"dgt=0,cents"`
	InterestRate      decimal.Decimal `json:"interest_rate" validate:"dgte=0,dlte=100"`
	InstallmentsCount int             `json:"installments_count" validate:"min=1,max=48"`
	FirstDueDate      string          `json:"first_due_date" validate:"required,datetime=2006-01-02"`
}

// Validate checks the request, reporting failures wrapped in ErrInvalidArgument.
func (r *CreateLoanRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", ErrInvalidArgument, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
