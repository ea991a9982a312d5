package payflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// CatalogItem is an active product offered in the dialogue.
type CatalogItem struct {
	ID          string
	Code        string
	Name        string
	AmountCents int64
	Currency    string
}

// GenerateRequest asks the caller to create or reuse a payment link.
type GenerateRequest struct {
	Product       Selection
	CustomerName  string
	CustomerEmail string
}

// Link is the outcome of link generation handed back to Complete.
type Link struct {
	Token    string
	URL      string
	Existing bool
}

// Transition is the result of one Step.
type Transition struct {
	Handled     bool
	ShouldUseAI bool
	Response    string
	Next        Stage
	// Generate is set when the customer confirmed; Next is still the
	// confirmation stage until Complete or Apologize is called.
	Generate *GenerateRequest
}

// Engine is the payment dialogue state machine. It performs no I/O and
// returns the same Transition for the same inputs.
type Engine struct {
	classifier IntentClassifier
}

// NewEngine returns an Engine using c, or the keyword classifier when c is nil.
func NewEngine(c IntentClassifier) *Engine {
	if c == nil {
		c = NewKeywordClassifier()
	}
	return &Engine{classifier: c}
}

func handled(response string, next Stage) Transition {
	return Transition{Handled: true, Response: response, Next: next}
}

// Step advances stage by one customer message.
func (e *Engine) Step(message string, stage Stage, catalog []CatalogItem, locale string) Transition {
	if stage == nil {
		stage = Idle{}
	}
	text := strings.TrimSpace(message)
	m := messagesFor(locale)

	switch stage.(type) {
	case Idle, Completed:
		if !e.classifier.PaymentIntent(text) {
			return Transition{ShouldUseAI: true, Next: stage}
		}
	}

	switch s := stage.(type) {
	case Completed:
		return handled(newLinkPrompt(m, s), AwaitingNewLinkConfirmation{Previous: s})

	case AwaitingNewLinkConfirmation:
		switch e.classifier.Reply(text) {
		case ReplyYes:
			return startCatalog(m, catalog)
		case ReplyNo:
			return handled(fmt.Sprintf(m.existingLink, s.Previous.Product.ProductName,
				FormatAmount(s.Previous.Product.AmountCents, s.Previous.Product.Currency), s.Previous.LinkURL), s.Previous)
		default:
			return handled(newLinkPrompt(m, s.Previous), s)
		}

	case Idle:
		return startCatalog(m, catalog)

	case AwaitingProduct:
		if len(catalog) == 0 {
			return handled(m.noProducts, Idle{})
		}
		item, ok := selectProduct(text, catalog)
		if !ok {
			return handled(fmt.Sprintf(m.productNotFound, formatCatalog(catalog)), s)
		}
		sel := Selection{ProductID: item.ID, ProductName: item.Name, AmountCents: item.AmountCents, Currency: item.Currency}
		return handled(fmt.Sprintf(m.askName, sel.ProductName, FormatAmount(sel.AmountCents, sel.Currency)), AwaitingName{Product: sel})

	case AwaitingName:
		name, ok := ValidName(text)
		if !ok {
			return handled(m.invalidName, s)
		}
		return handled(fmt.Sprintf(m.askEmail, name), AwaitingEmail{Product: s.Product, CustomerName: name})

	case AwaitingEmail:
		email, ok := ValidEmail(text)
		if !ok {
			return handled(m.invalidEmail, s)
		}
		next := AwaitingConfirmation{Product: s.Product, CustomerName: s.CustomerName, CustomerEmail: email}
		return handled(confirmationSummary(m, next), next)

	case AwaitingConfirmation:
		switch e.classifier.Reply(text) {
		case ReplyNo:
			return handled(m.restarted, Idle{})
		case ReplyYes:
			return Transition{
				Handled: true,
				Next:    s,
				Generate: &GenerateRequest{
					Product:       s.Product,
					CustomerName:  s.CustomerName,
					CustomerEmail: s.CustomerEmail,
				},
			}
		default:
			return handled(confirmationSummary(m, s), s)
		}
	}
	return Transition{ShouldUseAI: true, Next: Idle{}}
}

// Complete finishes a confirmed dialogue with the generated link. A freshly
// created link is not echoed: an operator relays it. A reused link is shown.
func (e *Engine) Complete(stage AwaitingConfirmation, link Link, locale string) Transition {
	done := Completed{
		Product:       stage.Product,
		CustomerName:  stage.CustomerName,
		CustomerEmail: stage.CustomerEmail,
		LinkToken:     link.Token,
		LinkURL:       link.URL,
	}
	if !link.Existing {
		return handled("", done)
	}
	m := messagesFor(locale)
	return handled(fmt.Sprintf(m.existingLink, done.Product.ProductName,
		FormatAmount(done.Product.AmountCents, done.Product.Currency), done.LinkURL), done)
}

// Apologize keeps stage so the customer can confirm again.
func (e *Engine) Apologize(stage Stage, locale string) Transition {
	return handled(messagesFor(locale).apology, stage)
}

func startCatalog(m catalogue, catalog []CatalogItem) Transition {
	if len(catalog) == 0 {
		return handled(m.noProducts, Idle{})
	}
	return handled(fmt.Sprintf(m.productList, formatCatalog(catalog)), AwaitingProduct{})
}

func newLinkPrompt(m catalogue, prev Completed) string {
	return fmt.Sprintf(m.newLinkPrompt, prev.Product.ProductName,
		FormatAmount(prev.Product.AmountCents, prev.Product.Currency), prev.LinkURL)
}

func confirmationSummary(m catalogue, s AwaitingConfirmation) string {
	return fmt.Sprintf(m.summary, s.Product.ProductName,
		FormatAmount(s.Product.AmountCents, s.Product.Currency), s.CustomerName, s.CustomerEmail)
}

// selectProduct matches a 1-based index first, then a case and accent
// insensitive substring of the name or code in either direction.
func selectProduct(text string, catalog []CatalogItem) (CatalogItem, bool) {
	if n, err := strconv.Atoi(strings.TrimSuffix(text, ".")); err == nil {
		if n >= 1 && n <= len(catalog) {
			return catalog[n-1], true
		}
		return CatalogItem{}, false
	}
	needle := Normalize(text)
	if needle == "" {
		return CatalogItem{}, false
	}
	for _, it := range catalog {
		for _, hay := range []string{Normalize(it.Name), Normalize(it.Code)} {
			if hay == "" {
				continue
			}
			if strings.Contains(hay, needle) || strings.Contains(needle, hay) {
				return it, true
			}
		}
	}
	return CatalogItem{}, false
}

// ValidName trims and collapses whitespace. Names shorter than two
// characters or made only of digits are rejected.
func ValidName(text string) (string, bool) {
	name := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(name) < 2 {
		return "", false
	}
	numeric := true
	for _, r := range name {
		if !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			numeric = false
			break
		}
	}
	if numeric {
		return "", false
	}
	return name, true
}

// ValidEmail returns the trimmed, lower-cased address when it is well formed.
func ValidEmail(text string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(text))
	if !emailPattern.MatchString(email) {
		return "", false
	}
	return email, true
}
