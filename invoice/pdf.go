// Package invoice renders payment receipts for service renewals.
package invoice

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/hosting"
)

var (
	colorPrimary   = [3]int{30, 58, 95}
	colorTextDark  = [3]int{44, 62, 80}
	colorTextMuted = [3]int{127, 140, 141}
	colorTableAlt  = [3]int{241, 245, 249}
)

// Receipt is everything printed on one renewal receipt.
type Receipt struct {
	Issuer   string
	Currency string
	Renewal  hosting.Renewal
	PlanName string
	IssuedAt time.Time
}

// Number is the printed receipt number, stable per renewal.
func (r Receipt) Number() string {
	return fmt.Sprintf("R-%s-%s", r.Renewal.CreatedAt.UTC().Format("20060102"), shortID(r.Renewal.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var sourceLabels = map[hosting.RenewalSource]string{
	hosting.SourcePurchase:     "Purchase (wallet)",
	hosting.SourceWallet:       "Auto-renewal (wallet)",
	hosting.SourceOneOff:       "One-off card payment",
	hosting.SourceSubscription: "Recurring subscription",
}

// Render produces the PDF bytes.
func Render(r Receipt) ([]byte, error) {
	if r.Currency == "" {
		r.Currency = "PLN"
	}
	if r.IssuedAt.IsZero() {
		r.IssuedAt = r.Renewal.CreatedAt
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.SetTitle("Receipt "+r.Number(), true)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(25)
	pdf.SetFont("Arial", "B", 22)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, "RECEIPT", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, r.Issuer, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "No. "+r.Number(), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Issued "+r.IssuedAt.UTC().Format("2006-01-02"), "", 1, "L", false, 0, "")
	pdf.Ln(8)

	rows := [][2]string{
		{"Account", r.Renewal.AccountID},
		{"Service", r.Renewal.ServiceID},
		{"Plan", r.PlanName},
		{"Billing cycle", string(r.Renewal.Cycle)},
		{"Period", fmt.Sprintf("%s to %s",
			r.Renewal.PeriodStart.UTC().Format("2006-01-02"),
			r.Renewal.PeriodEnd.UTC().Format("2006-01-02"))},
		{"Paid via", sourceLabels[r.Renewal.Source]},
		{"Payment reference", r.Renewal.Reference},
	}

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
	for i, row := range rows {
		fill := i%2 == 0
		pdf.CellFormat(55, 8, row[0], "", 0, "L", fill, 0, "")
		pdf.CellFormat(0, 8, row[1], "", 1, "L", fill, 0, "")
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(55, 10, "Total", "T", 0, "L", false, 0, "")
	pdf.CellFormat(0, 10, formatMoney(r.Renewal.Amount, r.Currency), "T", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func formatMoney(d decimal.Decimal, currency string) string {
	return d.StringFixed(2) + " " + currency
}
