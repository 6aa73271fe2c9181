package documents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/vtc-dispatch/internal/models"
)

// Document kinds.
const (
	KindOrderForm         = "order_form"
	KindDriverInvoice     = "driver_invoice"
	KindCommissionInvoice = "commission_invoice"
)

// DocumentData is the structured payload handed to the opaque document
// generator. Rendering is a collaborator concern; the business layer only
// assembles data and numbering.
type DocumentData struct {
	Kind   string
	Number string
	Title  string
	Date   time.Time

	IssuerLines    []string
	RecipientLines []string

	Lines []Line
	Total float64
	VAT   float64
	Notes string
}

// Line is one billed line of a document.
type Line struct {
	Label  string
	Amount float64
}

// Generator renders a document to bytes plus a content type.
type Generator interface {
	Render(ctx context.Context, doc DocumentData) ([]byte, string, error)
}

// BuildOrderForm assembles the order form ("bon de commande") a driver
// receives for an assigned course.
func BuildOrderForm(c *models.Course, d *models.Driver) DocumentData {
	return DocumentData{
		Kind:   KindOrderForm,
		Number: fmt.Sprintf("BC-%s", shortID(c.ID)),
		Title:  "Bon de commande",
		Date:   time.Now().UTC(),
		IssuerLines:    driverLines(d),
		RecipientLines: []string{c.ClientName},
		Lines: []Line{
			{Label: fmt.Sprintf("Course du %s %s — %s vers %s", c.Date, c.Time, c.PickupAddress, c.DropoffAddress), Amount: c.PriceTotal},
		},
		Total: c.PriceTotal,
		Notes: c.Notes,
	}
}

// BuildDriverInvoice assembles a driver's client invoice. The invoice
// number combines the driver's prefix, the current year and the driver's
// running counter; the caller persists the incremented counter.
func BuildDriverInvoice(c *models.Course, d *models.Driver, number int) DocumentData {
	doc := DocumentData{
		Kind:   KindDriverInvoice,
		Number: fmt.Sprintf("%s-%d-%04d", d.InvoicePrefix, time.Now().UTC().Year(), number),
		Title:  "Facture",
		Date:   time.Now().UTC(),
		IssuerLines:    driverLines(d),
		RecipientLines: []string{c.ClientName, c.ClientEmail},
		Lines: []Line{
			{Label: fmt.Sprintf("Course du %s %s — %s vers %s", c.Date, c.Time, c.PickupAddress, c.DropoffAddress), Amount: c.PriceTotal},
		},
		Total: c.PriceTotal,
	}
	if d.VATApplicable {
		doc.VAT = models.CommissionFor(c.PriceTotal, 0.10)
	}
	return doc
}

// BuildCommissionInvoice assembles the platform's commission invoice for an
// assigned course.
func BuildCommissionInvoice(c *models.Course, d *models.Driver) DocumentData {
	return DocumentData{
		Kind:   KindCommissionInvoice,
		Number: fmt.Sprintf("COM-%d-%s", time.Now().UTC().Year(), shortID(c.ID)),
		Title:  "Facture de commission",
		Date:   time.Now().UTC(),
		IssuerLines:    []string{"Plateforme VTC"},
		RecipientLines: driverLines(d),
		Lines: []Line{
			{Label: fmt.Sprintf("Commission (%.0f%%) sur course du %s", c.CommissionRate*100, c.Date), Amount: c.CommissionAmount},
		},
		Total: c.CommissionAmount,
	}
}

// TextRenderer renders documents as tabular plain text. PDF rendering is
// an external concern; this keeps the generator contract exercisable
// end to end.
type TextRenderer struct{}

func (TextRenderer) Render(ctx context.Context, doc DocumentData) ([]byte, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", strings.ToUpper(doc.Title), doc.Number)
	fmt.Fprintf(&b, "Date: %s\n\n", doc.Date.Format("2006-01-02"))
	if len(doc.IssuerLines) > 0 {
		b.WriteString("Emetteur:\n")
		for _, l := range doc.IssuerLines {
			if l != "" {
				fmt.Fprintf(&b, "  %s\n", l)
			}
		}
	}
	if len(doc.RecipientLines) > 0 {
		b.WriteString("Destinataire:\n")
		for _, l := range doc.RecipientLines {
			if l != "" {
				fmt.Fprintf(&b, "  %s\n", l)
			}
		}
	}
	b.WriteString("\n")
	for _, l := range doc.Lines {
		fmt.Fprintf(&b, "%-60s %10.2f EUR\n", l.Label, l.Amount)
	}
	if doc.VAT > 0 {
		fmt.Fprintf(&b, "%-60s %10.2f EUR\n", "TVA", doc.VAT)
	}
	fmt.Fprintf(&b, "%-60s %10.2f EUR\n", "TOTAL", doc.Total+doc.VAT)
	if doc.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", doc.Notes)
	}
	return []byte(b.String()), "text/plain; charset=utf-8", nil
}

func driverLines(d *models.Driver) []string {
	lines := []string{d.DisplayName(), d.Address}
	if d.SIRET != "" {
		lines = append(lines, "SIRET "+d.SIRET)
	}
	if d.VATApplicable && d.VATNumber != "" {
		lines = append(lines, "TVA "+d.VATNumber)
	}
	return lines
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}
