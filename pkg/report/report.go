package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/mcclellann/loanbook/pkg/models"
)

const dateLayout = "2006-01-02"

var (
	loanHeader = []string{
		"client_name", "national_id", "loan_id", "original_amount", "interest_rate",
		"amount", "installments_count", "paid_installments", "overdue_installments",
		"pending_amount", "status", "next_due_date",
	}
	overdueHeader = []string{"client_id", "client_name", "overdue_count", "overdue_total"}
)

// WriteLoansCSV writes one row per loan.
func WriteLoansCSV(w io.Writer, loans []models.LoanDetails) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(loanHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, d := range loans {
		next := ""
		if d.Summary.NextDueDate != nil {
			next = d.Summary.NextDueDate.Format(dateLayout)
		}
		record := []string{
			d.Client.FullName,
			d.Client.NationalID,
			d.Loan.ID.String(),
			d.Loan.OriginalAmount.StringFixed(2),
			d.Loan.InterestRate.String(),
			d.Loan.Amount.StringFixed(2),
			strconv.Itoa(d.Loan.InstallmentsCount),
			strconv.Itoa(d.Summary.PaidInstallments),
			strconv.Itoa(d.Summary.OverdueInstallments),
			d.Summary.PendingAmount.StringFixed(2),
			string(d.Status),
			next,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write loan %s: %w", d.Loan.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOverdueCSV writes one row per client with overdue installments.
func WriteOverdueCSV(w io.Writer, groups []models.OverdueGroup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(overdueHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, g := range groups {
		record := []string{
			g.ClientID.String(),
			g.ClientName,
			strconv.Itoa(g.Count),
			g.Total.StringFixed(2),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write client %s: %w", g.ClientID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
