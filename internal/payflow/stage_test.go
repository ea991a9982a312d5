package payflow

import (
	"encoding/json"
	"testing"
)

func TestDecodeFallsBackToIdle(t *testing.T) {
	tests := []struct {
		name string
		ctx  *Context
		want StageName
	}{
		{"nil", nil, StageIdle},
		{"unknown stage", &Context{Stage: "shipping"}, StageIdle},
		{"awaiting_name without product", &Context{Stage: StageAwaitingName}, StageIdle},
		{"awaiting_email without name", &Context{Stage: StageAwaitingEmail, ProductID: "p1", ProductName: "X", Currency: "PEN"}, StageIdle},
		{"completed without link", &Context{Stage: StageCompleted, ProductID: "p1", ProductName: "X", Currency: "PEN"}, StageIdle},
		{"awaiting_product", &Context{Stage: StageAwaitingProduct}, StageAwaitingProduct},
		{"awaiting_email", &Context{Stage: StageAwaitingEmail, ProductID: "p1", ProductName: "X", Currency: "PEN", CustomerName: "Ana"}, StageAwaitingEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decode(tt.ctx).Name(); got != tt.want {
				t.Errorf("Decode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeDropsForeignFields(t *testing.T) {
	// A link that leaked into an earlier stage must not survive a round trip.
	c := &Context{
		Stage:        StageAwaitingEmail,
		ProductID:    "p1",
		ProductName:  "MATPASS 01",
		AmountCents:  6000,
		Currency:     "PEN",
		CustomerName: "Ana",
		LinkURL:      "https://stale/pay/x",
		Confirmed:    true,
	}
	out := Encode(Decode(c))
	if out.LinkURL != "" || out.Confirmed {
		t.Errorf("foreign fields kept: %+v", out)
	}
	if out.CustomerName != "Ana" || out.AmountCents != 6000 {
		t.Errorf("stage fields lost: %+v", out)
	}
}

func TestContextWireNames(t *testing.T) {
	raw := []byte(`{"stage":"awaiting_new_link_confirmation","productId":"p1","productName":"MATPASS 01",
		"amountCents":6000,"currency":"PEN","customerName":"Ana","customerEmail":"ana@example.com",
		"linkToken":"tok","linkUrl":"https://x/pay/tok","confirmed":true}`)
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	s, ok := Decode(&c).(AwaitingNewLinkConfirmation)
	if !ok {
		t.Fatalf("Decode = %T", Decode(&c))
	}
	if s.Previous.LinkToken != "tok" || s.Previous.Product.AmountCents != 6000 {
		t.Errorf("decoded = %+v", s)
	}
}
