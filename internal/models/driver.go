package models

import "time"

// Driver is an independent operator eligible to claim courses. Billing
// profile fields feed invoice generation; is_active is admin-gated and
// gates every claim-flow operation.
type Driver struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`

	CompanyName   string `json:"company_name,omitempty"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	SIRET         string `json:"siret,omitempty"`
	VATApplicable bool   `json:"vat_applicable"`
	VATNumber     string `json:"vat_number,omitempty"`

	InvoicePrefix     string `json:"invoice_prefix"`
	InvoiceNextNumber int    `json:"invoice_next_number"`

	IsActive              bool `json:"is_active"`
	LateCancellationCount int  `json:"late_cancellation_count"`

	CreatedAt time.Time `json:"created_at"`
}

// DisplayName is what claim pages show for the reserving driver.
func (d *Driver) DisplayName() string {
	if d.CompanyName != "" {
		return d.CompanyName
	}
	return d.Name
}
