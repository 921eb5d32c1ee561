// Package mapping describes the link between a CRM entity and its ERP
// counterpart and the storage contract for those links.
package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"erpsync/internal/shared"
)

// EntityType names a synchronized entity kind.
type EntityType string

const (
	EntityProduct       EntityType = "product"
	EntitySalesDocument EntityType = "sales_document"
)

// ParseEntityType accepts the canonical names and their dashed forms.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case EntityProduct:
		return EntityProduct, nil
	case EntitySalesDocument:
		return EntitySalesDocument, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", shared.ErrValidation, s)
}

// Key identifies a mapping.
type Key struct {
	EntityType EntityType
	CRMID      string
}

func (k Key) String() string {
	return string(k.EntityType) + "/" + k.CRMID
}

// Validate checks that both parts of the key are set.
func (k Key) Validate() error {
	if _, err := ParseEntityType(string(k.EntityType)); err != nil {
		return err
	}
	if strings.TrimSpace(k.CRMID) == "" {
		return fmt.Errorf("%w: empty crm id", shared.ErrValidation)
	}
	return nil
}

// Mapping links one CRM entity to one ERP entity.
type Mapping struct {
	EntityType EntityType
	CRMID      string
	ERPID      string
	UpdatedAt  time.Time
}

// Key returns the mapping key.
func (m Mapping) Key() Key {
	return Key{EntityType: m.EntityType, CRMID: m.CRMID}
}

// Validate checks the key and the ERP id.
func (m Mapping) Validate() error {
	if err := m.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.ERPID) == "" {
		return fmt.Errorf("%w: empty erp id for %s", shared.ErrValidation, m.Key())
	}
	return nil
}

// Store persists mappings.
//
// Get returns an error matching shared.ErrNotFound when no mapping exists.
// Put inserts or replaces the mapping and returns it with UpdatedAt set.
// Delete reports whether a mapping was removed.
type Store interface {
	Get(ctx context.Context, key Key) (Mapping, error)
	Put(ctx context.Context, m Mapping) (Mapping, error)
	Delete(ctx context.Context, key Key) (bool, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
