// Package schedule holds the loan arithmetic: total payable, installment
// schedules and the payment status derived from them. Every function is pure;
// the current day is always passed in by the caller.
package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	MinInstallments = 1
	MaxInstallments = 48

	// moneyPlaces is the number of fraction digits kept for stored amounts.
	moneyPlaces = 2
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// TotalPayable returns principal * (1 + rate/100). The result is not rounded so
// the installment split works from the exact figure.
func TotalPayable(principal, rate decimal.Decimal) decimal.Decimal {
	return principal.Mul(one.Add(rate.Div(hundred)))
}

// RoundMoney rounds half away from zero to two fraction digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// DateOnly drops the time of day, keeping the calendar date as seen in t's
// location. The result is midnight UTC so dates compare safely across zones.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the calendar day of now, in now's location.
func Today(now time.Time) time.Time {
	return DateOnly(now)
}

// AddMonths moves d forward by n calendar months. The day of month is kept
// when the target month has it and clamped to the month's last day otherwise,
// so Jan 31 + 1 month is Feb 28 (or 29), never early March.
func AddMonths(d time.Time, n int) time.Time {
	y, m, day := d.Date()
	target := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, d.Location())
	if last := daysIn(target.Year(), target.Month()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), d.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Generate splits total into count installments. Each amount is total/count
// rounded to cents; the rounding remainder is not redistributed, so the sum may
// drift from total by at most count * 0.005. Due dates are firstDue advanced by
// whole calendar months, always counted from firstDue itself.
func Generate(total decimal.Decimal, count int, firstDue time.Time) []models.Installment {
	if count <= 0 {
		return nil
	}

	amount := RoundMoney(total.Div(decimal.NewFromInt(int64(count))))
	first := DateOnly(firstDue)

	installments := make([]models.Installment, 0, count)
	for i := 0; i < count; i++ {
		installments = append(installments, models.Installment{
			InstallmentNumber: i + 1,
			Amount:            amount,
			DueDate:           AddMonths(first, i),
		})
	}
	return installments
}

// Drift is total (rounded to cents) minus the sum of the installment amounts.
func Drift(total decimal.Decimal, installments []models.Installment) decimal.Decimal {
	return RoundMoney(total).Sub(Sum(installments))
}

// RedistributeRemainder moves the rounding drift onto the last installment so
// the schedule sums exactly to total rounded to cents.
func RedistributeRemainder(total decimal.Decimal, installments []models.Installment) []models.Installment {
	if len(installments) == 0 {
		return installments
	}
	drift := Drift(total, installments)
	if drift.IsZero() {
		return installments
	}
	last := &installments[len(installments)-1]
	last.Amount = last.Amount.Add(drift)
	return installments
}

// Sum adds up installment amounts exactly.
func Sum(installments []models.Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, inst := range installments {
		sum = sum.Add(inst.Amount)
	}
	return sum
}

// IsOverdue reports whether inst is unpaid and due strictly before today.
// An installment due today is not overdue yet.
func IsOverdue(inst models.Installment, today time.Time) bool {
	return !inst.Paid && DateOnly(inst.DueDate).Before(DateOnly(today))
}

// LoanStatus classifies a loan from its installments. An empty list is
// vacuously paid off.
func LoanStatus(installments []models.Installment, today time.Time) models.LoanStatus {
	allPaid := true
	for _, inst := range installments {
		if inst.Paid {
			continue
		}
		allPaid = false
		if IsOverdue(inst, today) {
			return models.LoanStatusOverdue
		}
	}
	if allPaid {
		return models.LoanStatusPaidOff
	}
	return models.LoanStatusOnTime
}

// ClientStatus folds loan statuses into a client status. Overdue dominates,
// paid_off needs every loan paid off.
func ClientStatus(loans []models.LoanStatus) models.ClientStatus {
	if len(loans) == 0 {
		return models.ClientStatusNoLoans
	}
	allPaidOff := true
	for _, s := range loans {
		if s == models.LoanStatusOverdue {
			return models.ClientStatusOverdue
		}
		if s != models.LoanStatusPaidOff {
			allPaidOff = false
		}
	}
	if allPaidOff {
		return models.ClientStatusPaidOff
	}
	return models.ClientStatusOnTime
}

// AggregateOverdue groups the overdue entries of unpaid by client, counting
// them and summing their stored amounts.
func AggregateOverdue(unpaid []models.UnpaidInstallment, today time.Time) map[uuid.UUID]models.OverdueGroup {
	groups := make(map[uuid.UUID]models.OverdueGroup)
	for _, u := range unpaid {
		if !IsOverdue(u.Installment, today) {
			continue
		}
		g, ok := groups[u.ClientID]
		if !ok {
			g = models.OverdueGroup{ClientID: u.ClientID, ClientName: u.ClientName, Total: decimal.Zero}
		}
		g.Count++
		g.Total = g.Total.Add(u.Installment.Amount)
		groups[u.ClientID] = g
	}
	return groups
}

// SortedGroups orders overdue groups by total descending, then client name.
func SortedGroups(groups map[uuid.UUID]models.OverdueGroup) []models.OverdueGroup {
	out := make([]models.OverdueGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		if out[i].ClientName != out[j].ClientName {
			return out[i].ClientName < out[j].ClientName
		}
		return out[i].ClientID.String() < out[j].ClientID.String()
	})
	return out
}

// Summarize counts paid, pending and overdue installments and their amounts.
// Overdue installments are also counted as pending.
func Summarize(installments []models.Installment, today time.Time) models.ScheduleSummary {
	s := models.ScheduleSummary{
		TotalInstallments: len(installments),
		PaidAmount:        decimal.Zero,
		PendingAmount:     decimal.Zero,
		OverdueAmount:     decimal.Zero,
	}
	for _, inst := range installments {
		if inst.Paid {
			s.PaidInstallments++
			s.PaidAmount = s.PaidAmount.Add(inst.Amount)
			continue
		}
		s.PendingInstallments++
		s.PendingAmount = s.PendingAmount.Add(inst.Amount)
		if IsOverdue(inst, today) {
			s.OverdueInstallments++
			s.OverdueAmount = s.OverdueAmount.Add(inst.Amount)
		}
		if s.NextDueDate == nil || inst.DueDate.Before(*s.NextDueDate) {
			due := inst.DueDate
			s.NextDueDate = &due
		}
	}
	return s
}
