package payflow

import "testing"

func TestPaymentIntent(t *testing.T) {
	c := NewKeywordClassifier()
	tests := []struct {
		msg  string
		want bool
	}{
		{"Dame un link de pago", true},
		{"QUIERO PAGAR", true},
		{"¿Cómo pago?", true},
		{"me pasas el enlace para pagar?", true},
		{"I want to pay", true},
		{"send me a payment link", true},
		{"hola", false},
		{"gracias por el link", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.PaymentIntent(tt.msg); got != tt.want {
			t.Errorf("PaymentIntent(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestReply(t *testing.T) {
	c := NewKeywordClassifier()
	tests := []struct {
		msg  string
		want Reply
	}{
		{"sí", ReplyYes},
		{"Confirmar", ReplyYes},
		{"ok!", ReplyYes},
		{"de acuerdo", ReplyYes},
		{"no", ReplyNo},
		{"No, cancelar", ReplyNo},
		{"no confirmo", ReplyNo},
		{"cancel", ReplyNo},
		{"tal vez", ReplyUnknown},
		{"nosotros", ReplyUnknown},
	}
	for _, tt := range tests {
		if got := c.Reply(tt.msg); got != tt.want {
			t.Errorf("Reply(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  ¡Sí, CONFIRMÓ!  "); got != "si confirmo" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		want     string
	}{
		{6000, "PEN", "S/ 60.00"},
		{5, "pen", "S/ 0.05"},
		{2550, "USD", "$ 25.50"},
		{123456, "USD", "$ 1,234.56"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.cents, tt.currency); got != tt.want {
			t.Errorf("FormatAmount(%d, %s) = %q, want %q", tt.cents, tt.currency, got, tt.want)
		}
	}
}
