package erp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

// Ресурсы REST API ERP.
const (
	productsEndpoint       = "products"
	salesDocumentsEndpoint = "sales-documents"
)

// Product - товар в ERP. ExternalCode хранит идентификатор CRM.
type Product struct {
	ID           string  `json:"id,omitempty"`
	ExternalCode string  `json:"external_code"`
	Name         string  `json:"name"`
	SKU          string  `json:"sku,omitempty"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	Active       bool    `json:"active"`
}

// SalesLine - строка документа продажи.
type SalesLine struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Discount  float64 `json:"discount,omitempty"`
}

// SalesDocument - документ продажи (заказ клиента) в ERP.
type SalesDocument struct {
	ID           string      `json:"id,omitempty"`
	ExternalCode string      `json:"external_code"`
	Number       string      `json:"number,omitempty"`
	CustomerName string      `json:"customer_name"`
	Currency     string      `json:"currency,omitempty"`
	Date         time.Time   `json:"date"`
	Lines        []SalesLine `json:"lines"`
}

// created - ответ ERP на создание сущности.
type created struct {
	ID string `json:"id"`
}

// Client выполняет операции над сущностями ERP. Каждый вызов шлюза проходит
// через retry.Do с контекстом операции (entityType, crmId, erpId).
type Client struct {
	gw  *Gateway
	cfg retry.Config
}

// NewClient создаёт клиент поверх шлюза с заданной политикой повторов.
func NewClient(gw *Gateway, cfg retry.Config) *Client {
	return &Client{gw: gw, cfg: cfg}
}

func operation(name, entityType string, ids ...string) retry.OperationContext {
	oc := retry.OperationContext{Name: name}.With("entityType", entityType)
	for i := 0; i+1 < len(ids); i += 2 {
		if ids[i+1] != "" {
			oc = oc.With(ids[i], ids[i+1])
		}
	}
	return oc
}

func entityPath(endpoint, id string) string {
	return endpoint + "/" + url.PathEscape(id)
}

func requireID(id, what string) error {
	if strings.TrimSpace(id) == "" {
		return shared.Classify(shared.MarkKind(fmt.Errorf("erp: empty %s", what), shared.KindValidation))
	}
	return nil
}

// CreateProduct создаёт товар и возвращает его идентификатор в ERP.
func (c *Client) CreateProduct(ctx context.Context, p Product) (string, error) {
	oc := operation("erp.create_product", "product", "crmId", p.ExternalCode)
	out, err := retry.Do(ctx, c.cfg, oc, func(ctx context.Context) (created, error) {
		return CallJSON[created](ctx, c.gw, http.MethodPost, productsEndpoint, nil, p)
	})
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", shared.Classify(fmt.Errorf("erp: create product %s: response without id", p.ExternalCode))
	}
	return out.ID, nil
}

// UpdateProduct полностью заменяет товар erpID.
func (c *Client) UpdateProduct(ctx context.Context, erpID string, p Product) error {
	if err := requireID(erpID, "product id"); err != nil {
		return err
	}
	oc := operation("erp.update_product", "product", "crmId", p.ExternalCode, "erpId", erpID)
	return retry.DoErr(ctx, c.cfg, oc, func(ctx context.Context) error {
		_, err := c.gw.Call(ctx, http.MethodPut, entityPath(productsEndpoint, erpID), nil, p)
		return err
	})
}

// GetProduct возвращает товар по идентификатору ERP.
func (c *Client) GetProduct(ctx context.Context, erpID string) (Product, error) {
	if err := requireID(erpID, "product id"); err != nil {
		return Product{}, err
	}
	oc := operation("erp.get_product", "product", "erpId", erpID)
	return retry.Do(ctx, c.cfg, oc, func(ctx context.Context) (Product, error) {
		return CallJSON[Product](ctx, c.gw, http.MethodGet, entityPath(productsEndpoint, erpID), nil, nil)
	})
}

// FindProductByCode ищет товар по коду CRM. Отсутствие товара возвращает ошибку вида NOT_FOUND.
func (c *Client) FindProductByCode(ctx context.Context, crmID string) (Product, error) {
	if err := requireID(crmID, "external code"); err != nil {
		return Product{}, err
	}
	oc := operation("erp.find_product", "product", "crmId", crmID)
	q := url.Values{"external_code": {crmID}}
	found, err := retry.Do(ctx, c.cfg, oc, func(ctx context.Context) ([]Product, error) {
		return CallJSON[[]Product](ctx, c.gw, http.MethodGet, productsEndpoint, q, nil)
	})
	if err != nil {
		return Product{}, err
	}
	if len(found) == 0 {
		return Product{}, shared.Classify(shared.MarkKind(fmt.Errorf("erp: product with external code %s", crmID), shared.KindNotFound))
	}
	return found[0], nil
}

// DeleteProduct удаляет товар.
func (c *Client) DeleteProduct(ctx context.Context, erpID string) error {
	if err := requireID(erpID, "product id"); err != nil {
		return err
	}
	oc := operation("erp.delete_product", "product", "erpId", erpID)
	return retry.DoErr(ctx, c.cfg, oc, func(ctx context.Context) error {
		_, err := c.gw.Call(ctx, http.MethodDelete, entityPath(productsEndpoint, erpID), nil, nil)
		return err
	})
}

// CreateSalesDocument создаёт документ продажи и возвращает его идентификатор в ERP.
func (c *Client) CreateSalesDocument(ctx context.Context, d SalesDocument) (string, error) {
	oc := operation("erp.create_sales_document", "sales_document", "crmId", d.ExternalCode)
	out, err := retry.Do(ctx, c.cfg, oc, func(ctx context.Context) (created, error) {
		return CallJSON[created](ctx, c.gw, http.MethodPost, salesDocumentsEndpoint, nil, d)
	})
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", shared.Classify(fmt.Errorf("erp: create sales document %s: response without id", d.ExternalCode))
	}
	return out.ID, nil
}

// UpdateSalesDocument полностью заменяет документ продажи erpID.
func (c *Client) UpdateSalesDocument(ctx context.Context, erpID string, d SalesDocument) error {
	if err := requireID(erpID, "sales document id"); err != nil {
		return err
	}
	oc := operation("erp.update_sales_document", "sales_document", "crmId", d.ExternalCode, "erpId", erpID)
	return retry.DoErr(ctx, c.cfg, oc, func(ctx context.Context) error {
		_, err := c.gw.Call(ctx, http.MethodPut, entityPath(salesDocumentsEndpoint, erpID), nil, d)
		return err
	})
}
