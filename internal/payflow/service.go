package payflow

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
)

// Request is one customer message with the caller-held conversation context.
type Request struct {
	Message   string   `json:"message"`
	SessionID string   `json:"sessionId,omitempty"`
	TenantID  string   `json:"tenantId,omitempty"`
	Context   *Context `json:"conversationContext,omitempty"`
	Locale    string   `json:"locale,omitempty"`
}

// Response tells the caller what to reply and which context to keep.
// UpdatedPaymentContext is nil when the message was not handled.
type Response struct {
	Handled               bool     `json:"handled"`
	ShouldUseAI           bool     `json:"shouldUseAI"`
	Response              string   `json:"response,omitempty"`
	UpdatedPaymentContext *Context `json:"updatedPaymentContext,omitempty"`
}

// ProductSource lists products and tenant locales.
type ProductSource interface {
	ActiveProducts(ctx context.Context, tenantID string) ([]CatalogItem, error)
	TenantLocale(ctx context.Context, tenantID string) (string, error)
}

// Generator creates or reuses payment links.
type Generator interface {
	Generate(ctx context.Context, p LinkParams) (Link, error)
}

// Service wraps the Engine with catalog lookups and link generation.
type Service struct {
	engine   *Engine
	products ProductSource
	links    Generator
}

func NewService(engine *Engine, products ProductSource, links Generator) (*Service, error) {
	if engine == nil || products == nil || links == nil {
		return nil, fmt.Errorf("payment flow service: engine, products and links are required")
	}
	return &Service{engine: engine, products: products, links: links}, nil
}

// Handle runs one step of the payment dialogue.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	stage := Decode(req.Context)

	locale := req.Locale
	if locale == "" && req.TenantID != "" {
		l, err := s.products.TenantLocale(ctx, req.TenantID)
		if err != nil {
			return Response{}, err
		}
		locale = l
	}

	var catalog []CatalogItem
	if req.TenantID != "" && needsCatalog(stage) {
		items, err := s.products.ActiveProducts(ctx, req.TenantID)
		if err != nil {
			return Response{}, err
		}
		catalog = items
	}

	t := s.engine.Step(req.Message, stage, catalog, locale)
	if t.Generate != nil {
		t = s.generate(ctx, req, t, locale)
	}

	resp := Response{Handled: t.Handled, ShouldUseAI: t.ShouldUseAI, Response: t.Response}
	if t.Handled {
		next := Encode(t.Next)
		resp.UpdatedPaymentContext = &next
	}
	log.Debug().
		Str("sessionId", req.SessionID).
		Str("tenantId", req.TenantID).
		Str("from", string(stage.Name())).
		Str("to", string(t.Next.Name())).
		Bool("handled", t.Handled).
		Msg("Payment flow step")
	return resp, nil
}

func (s *Service) generate(ctx context.Context, req Request, t Transition, locale string) Transition {
	confirming, ok := t.Next.(AwaitingConfirmation)
	if !ok {
		return s.engine.Apologize(t.Next, locale)
	}
	link, err := s.links.Generate(ctx, LinkParams{
		ProductID:     t.Generate.Product.ProductID,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		CustomerName:  t.Generate.CustomerName,
		CustomerEmail: t.Generate.CustomerEmail,
		AmountCents:   t.Generate.Product.AmountCents,
		Currency:      t.Generate.Product.Currency,
	})
	if err != nil {
		log.Error().
			Stack().
			Err(pkgerrors.WithStack(err)).
			Str("kind", string(apperr.KindOf(err))).
			Str("sessionId", req.SessionID).
			Str("tenantId", req.TenantID).
			Str("productId", t.Generate.Product.ProductID).
			Msg("Payment link generation failed")
		return s.engine.Apologize(confirming, locale)
	}
	return s.engine.Complete(confirming, link, locale)
}

func needsCatalog(s Stage) bool {
	switch s.(type) {
	case Idle, AwaitingProduct, AwaitingNewLinkConfirmation:
		return true
	}
	return false
}
