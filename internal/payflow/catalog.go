package payflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"zapdesk/internal/models"
)

// Catalog reads the products and locale settings of tenants.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog requires a database")
	}
	return &Catalog{db: db}, nil
}

// ActiveProducts lists the tenant's active products in a stable order.
func (c *Catalog) ActiveProducts(ctx context.Context, tenantID string) ([]CatalogItem, error) {
	var products []models.Product
	err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("created_at, id").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("list products for tenant %s: %w", tenantID, err)
	}
	items := make([]CatalogItem, len(products))
	for i, p := range products {
		items[i] = CatalogItem{ID: p.ID, Code: p.Code, Name: p.Name, AmountCents: p.AmountCents, Currency: p.Currency}
	}
	return items, nil
}

// TenantLocale returns the locale configured in the tenant settings, or "".
func (c *Catalog) TenantLocale(ctx context.Context, tenantID string) (string, error) {
	var tenant models.Tenant
	err := c.db.WithContext(ctx).Where("id = ?", tenantID).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	return tenant.Settings.Data().Locale, nil
}
