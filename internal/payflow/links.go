package payflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

// LinkParams identifies the link to create or reuse. SessionID and
// CustomerEmail may be empty.
type LinkParams struct {
	ProductID     string
	SessionID     string
	TenantID      string
	CustomerName  string
	CustomerEmail string
	AmountCents   int64
	Currency      string
}

// LinkGenerator creates payment links, reusing an active one for the same
// product, session, tenant and email.
type LinkGenerator struct {
	db                *gorm.DB
	rootDomain        string
	defaultRootDomain string
	newToken          func() string
}

func NewLinkGenerator(db *gorm.DB, rootDomain, defaultRootDomain string) (*LinkGenerator, error) {
	if db == nil {
		return nil, fmt.Errorf("link generator requires a database")
	}
	return &LinkGenerator{
		db:                db,
		rootDomain:        strings.TrimSpace(rootDomain),
		defaultRootDomain: strings.TrimSpace(defaultRootDomain),
		newToken:          newToken,
	}, nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Generate returns the public link for p.
//
// The reuse lookup and the insert are not atomic: two confirmations racing
// for the same tuple can both miss and create two links.
func (g *LinkGenerator) Generate(ctx context.Context, p LinkParams) (Link, error) {
	const op = "payflow.Generate"
	if p.TenantID == "" {
		return Link{}, apperr.Configuration(op, "no tenant resolved for the conversation")
	}
	if p.ProductID == "" {
		return Link{}, apperr.Validation(op, "product is required")
	}
	email := strings.ToLower(strings.TrimSpace(p.CustomerEmail))

	base, err := g.BaseURL(ctx, p.TenantID)
	if err != nil {
		return Link{}, err
	}

	var existing models.PaymentLink
	err = g.db.WithContext(ctx).
		Where("product_id = ? AND session_id = ? AND tenant_id = ? AND customer_email = ?",
			p.ProductID, p.SessionID, p.TenantID, email).
		Where("status IN ?", []models.PaymentLinkStatus{models.LinkPending, models.LinkProcessing}).
		Order("created_at DESC").
		First(&existing).Error
	switch {
	case err == nil:
		log.Info().Str("token", existing.Token).Str("tenantId", p.TenantID).Msg("Reusing active payment link")
		return Link{Token: existing.Token, URL: linkURL(base, existing.Token), Existing: true}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Link{}, fmt.Errorf("look up payment link: %w", err)
	}

	var product models.Product
	err = g.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", p.ProductID, p.TenantID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Link{}, apperr.NotFound(op, "product %s not found for tenant %s", p.ProductID, p.TenantID)
	}
	if err != nil {
		return Link{}, fmt.Errorf("load product %s: %w", p.ProductID, err)
	}

	amount, currency := p.AmountCents, p.Currency
	if amount == 0 {
		amount = product.AmountCents
	}
	if currency == "" {
		currency = product.Currency
	}
	link := models.PaymentLink{
		Token:           g.newToken(),
		ProductID:       product.ID,
		TenantID:        p.TenantID,
		SessionID:       p.SessionID,
		CustomerName:    p.CustomerName,
		CustomerEmail:   email,
		AmountCents:     amount,
		BaseAmountCents: product.BaseAmountCents,
		TaxAmountCents:  product.TaxAmountCents,
		Currency:        currency,
		Status:          models.LinkPending,
	}
	if err := g.db.WithContext(ctx).Create(&link).Error; err != nil {
		return Link{}, fmt.Errorf("create payment link: %w", err)
	}

	log.Info().
		Str("token", link.Token).
		Str("tenantId", p.TenantID).
		Str("productId", product.ID).
		Int64("amountCents", amount).
		Msg("Payment link created")
	return Link{Token: link.Token, URL: linkURL(base, link.Token)}, nil
}

// BaseURL resolves the public origin for a tenant: custom domain, then
// subdomain of the configured root domain, then the tenant's own root domain
// setting, then the default root domain.
func (g *LinkGenerator) BaseURL(ctx context.Context, tenantID string) (string, error) {
	var tenant models.Tenant
	err := g.db.WithContext(ctx).Where("id = ?", tenantID).First(&tenant).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	found := err == nil

	switch {
	case found && tenant.CustomDomain != nil && strings.TrimSpace(*tenant.CustomDomain) != "":
		return origin(*tenant.CustomDomain), nil
	case found && tenant.Subdomain != nil && strings.TrimSpace(*tenant.Subdomain) != "" && g.rootDomain != "":
		root := strings.TrimPrefix(strings.TrimPrefix(g.rootDomain, "https://"), "http://")
		return origin(strings.TrimSpace(*tenant.Subdomain) + "." + root), nil
	case found && tenant.Settings.Data().RootDomain != "":
		return origin(tenant.Settings.Data().RootDomain), nil
	case g.defaultRootDomain != "":
		return origin(g.defaultRootDomain), nil
	}
	return "", apperr.Configuration("payflow.BaseURL", "no public domain configured for tenant %s", tenantID)
}

func origin(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

func linkURL(base, token string) string {
	return base + "/pay/" + token
}
