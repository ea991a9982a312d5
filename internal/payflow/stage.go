// Package payflow runs the chat dialogue that turns a customer message into a
// payment link. The Engine is a pure transition over a Stage; the Service is
// the effectful shell that loads the catalog and creates links.
package payflow

// StageName is the wire name of a stage.
type StageName string

const (
	StageIdle                        StageName = "idle"
	StageAwaitingProduct             StageName = "awaiting_product"
	StageAwaitingName                StageName = "awaiting_name"
	StageAwaitingEmail               StageName = "awaiting_email"
	StageAwaitingConfirmation        StageName = "awaiting_confirmation"
	StageAwaitingNewLinkConfirmation StageName = "awaiting_new_link_confirmation"
	StageCompleted                   StageName = "completed"
)

// Stage is one position in the dialogue. Each variant carries only the
// fields that are valid at that position.
type Stage interface {
	Name() StageName
	isStage()
}

// Selection is the product a customer picked.
type Selection struct {
	ProductID   string
	ProductName string
	AmountCents int64
	Currency    string
}

type Idle struct{}

type AwaitingProduct struct{}

type AwaitingName struct {
	Product Selection
}

type AwaitingEmail struct {
	Product      Selection
	CustomerName string
}

type AwaitingConfirmation struct {
	Product       Selection
	CustomerName  string
	CustomerEmail string
}

type Completed struct {
	Product       Selection
	CustomerName  string
	CustomerEmail string
	LinkToken     string
	LinkURL       string
}

// AwaitingNewLinkConfirmation asks whether to replace the link of Previous.
type AwaitingNewLinkConfirmation struct {
	Previous Completed
}

func (Idle) Name() StageName                        { return StageIdle }
func (AwaitingProduct) Name() StageName             { return StageAwaitingProduct }
func (AwaitingName) Name() StageName                { return StageAwaitingName }
func (AwaitingEmail) Name() StageName               { return StageAwaitingEmail }
func (AwaitingConfirmation) Name() StageName        { return StageAwaitingConfirmation }
func (Completed) Name() StageName                   { return StageCompleted }
func (AwaitingNewLinkConfirmation) Name() StageName { return StageAwaitingNewLinkConfirmation }

func (Idle) isStage()                        {}
func (AwaitingProduct) isStage()             {}
func (AwaitingName) isStage()                {}
func (AwaitingEmail) isStage()               {}
func (AwaitingConfirmation) isStage()        {}
func (Completed) isStage()                   {}
func (AwaitingNewLinkConfirmation) isStage() {}

// Context is the flat wire form of a Stage, as exchanged with callers.
type Context struct {
	Stage         StageName `json:"stage"`
	ProductID     string    `json:"productId,omitempty"`
	ProductName   string    `json:"productName,omitempty"`
	AmountCents   int64     `json:"amountCents,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	CustomerName  string    `json:"customerName,omitempty"`
	CustomerEmail string    `json:"customerEmail,omitempty"`
	LinkToken     string    `json:"linkToken,omitempty"`
	LinkURL       string    `json:"linkUrl,omitempty"`
	Confirmed     bool      `json:"confirmed"`
}

func (c *Context) selection() (Selection, bool) {
	if c.ProductID == "" || c.ProductName == "" || c.Currency == "" {
		return Selection{}, false
	}
	return Selection{
		ProductID:   c.ProductID,
		ProductName: c.ProductName,
		AmountCents: c.AmountCents,
		Currency:    c.Currency,
	}, true
}

// Decode turns a wire context into a Stage. A nil context, an unknown stage
// or a stage whose required fields are missing decodes to Idle; fields that
// do not belong to the stage are ignored.
func Decode(c *Context) Stage {
	if c == nil {
		return Idle{}
	}
	switch c.Stage {
	case StageAwaitingProduct:
		return AwaitingProduct{}
	case StageAwaitingName:
		if p, ok := c.selection(); ok {
			return AwaitingName{Product: p}
		}
	case StageAwaitingEmail:
		if p, ok := c.selection(); ok && c.CustomerName != "" {
			return AwaitingEmail{Product: p, CustomerName: c.CustomerName}
		}
	case StageAwaitingConfirmation:
		if p, ok := c.selection(); ok && c.CustomerName != "" && c.CustomerEmail != "" {
			return AwaitingConfirmation{Product: p, CustomerName: c.CustomerName, CustomerEmail: c.CustomerEmail}
		}
	case StageCompleted, StageAwaitingNewLinkConfirmation:
		p, ok := c.selection()
		if !ok || c.LinkURL == "" {
			break
		}
		done := Completed{
			Product:       p,
			CustomerName:  c.CustomerName,
			CustomerEmail: c.CustomerEmail,
			LinkToken:     c.LinkToken,
			LinkURL:       c.LinkURL,
		}
		if c.Stage == StageCompleted {
			return done
		}
		return AwaitingNewLinkConfirmation{Previous: done}
	}
	return Idle{}
}

// Encode flattens s into its wire form.
func Encode(s Stage) Context {
	c := Context{Stage: s.Name()}
	put := func(p Selection) {
		c.ProductID = p.ProductID
		c.ProductName = p.ProductName
		c.AmountCents = p.AmountCents
		c.Currency = p.Currency
	}
	putCompleted := func(d Completed) {
		put(d.Product)
		c.CustomerName = d.CustomerName
		c.CustomerEmail = d.CustomerEmail
		c.LinkToken = d.LinkToken
		c.LinkURL = d.LinkURL
		c.Confirmed = true
	}

	switch v := s.(type) {
	case AwaitingName:
		put(v.Product)
	case AwaitingEmail:
		put(v.Product)
		c.CustomerName = v.CustomerName
	case AwaitingConfirmation:
		put(v.Product)
		c.CustomerName = v.CustomerName
		c.CustomerEmail = v.CustomerEmail
	case Completed:
		putCompleted(v)
	case AwaitingNewLinkConfirmation:
		putCompleted(v.Previous)
	}
	return c
}
