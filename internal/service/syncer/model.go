package syncer

import (
	"fmt"
	"strings"
	"time"

	"erpsync/internal/adapter/erp"
	"erpsync/internal/shared"
)

// CRMProduct is a product as the CRM sends it.
type CRMProduct struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	SKU      string  `json:"sku,omitempty"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Active   bool    `json:"active"`
}

// Validate checks the fields the ERP requires.
func (p CRMProduct) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: product without id", shared.ErrValidation)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: product %s without name", shared.ErrValidation, p.ID)
	case p.Price < 0:
		return fmt.Errorf("%w: product %s has negative price", shared.ErrValidation, p.ID)
	}
	return nil
}

func (p CRMProduct) toERP() erp.Product {
	return erp.Product{
		ExternalCode: p.ID,
		Name:         p.Name,
		SKU:          p.SKU,
		Price:        p.Price,
		Currency:     p.Currency,
		Unit:         p.Unit,
		Active:       p.Active,
	}
}

// CRMSalesLine references a product by its CRM id.
type CRMSalesLine struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Discount  float64 `json:"discount,omitempty"`
}

// CRMSalesDocument is a deal or order as the CRM sends it.
type CRMSalesDocument struct {
	ID           string         `json:"id"`
	Number       string         `json:"number,omitempty"`
	CustomerName string         `json:"customer_name"`
	Currency     string         `json:"currency,omitempty"`
	Date         time.Time      `json:"date"`
	Lines        []CRMSalesLine `json:"lines"`
}

func (d CRMSalesDocument) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return fmt.Errorf("%w: sales document without id", shared.ErrValidation)
	case strings.TrimSpace(d.CustomerName) == "":
		return fmt.Errorf("%w: sales document %s without customer", shared.ErrValidation, d.ID)
	case len(d.Lines) == 0:
		return fmt.Errorf("%w: sales document %s has no lines", shared.ErrValidation, d.ID)
	}
	for i, l := range d.Lines {
		if strings.TrimSpace(l.ProductID) == "" {
			return fmt.Errorf("%w: sales document %s line %d without product", shared.ErrValidation, d.ID, i+1)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: sales document %s line %d has non-positive quantity", shared.ErrValidation, d.ID, i+1)
		}
	}
	return nil
}
