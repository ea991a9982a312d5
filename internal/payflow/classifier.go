package payflow

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reply is how a customer answered a yes/no prompt.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyYes
	ReplyNo
)

// IntentClassifier decides what a free-text message means to the flow.
type IntentClassifier interface {
	// PaymentIntent reports whether the message asks to pay or for a payment link.
	PaymentIntent(text string) bool
	// Reply classifies an answer to a yes/no prompt.
	Reply(text string) Reply
}

var intentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(link|enlace|liga|url)s?\s+(de|para)\s+(pago|pagar)\b`),
	regexp.MustCompile(`\b(quiero|quisiera|deseo|necesito|puedo)\s+(pagar|comprar|abonar)\b`),
	regexp.MustCompile(`\bcomo\s+(pago|puedo\s+pagar)\b`),
	regexp.MustCompile(`\b(generar|genera|enviame|mandame|dame|pasame)\s+(el\s+|un\s+)?(link|enlace)\b`),
	regexp.MustCompile(`\bpayment\s+link\b`),
	regexp.MustCompile(`\b(pay|checkout)\s+link\b`),
	regexp.MustCompile(`\b(i\s+want\s+to|how\s+(can|do)\s+i|i\s+would\s+like\s+to)\s+(pay|buy)\b`),
}

var (
	yesPhrases = []string{
		"si", "sip", "claro", "dale", "ok", "okay", "listo", "confirmar", "confirmo", "confirmado",
		"de acuerdo", "correcto", "acepto", "nuevo", "yes", "yep", "sure", "confirm", "new",
	}
	noPhrases = []string{
		"no", "nop", "cancelar", "cancela", "cancelo", "incorrecto", "mantener", "conservar",
		"nope", "cancel", "keep", "wrong",
	}
)

// KeywordClassifier matches accent-folded text against fixed keywords and patterns.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (KeywordClassifier) PaymentIntent(text string) bool {
	n := Normalize(text)
	for _, re := range intentPatterns {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}

func (KeywordClassifier) Reply(text string) Reply {
	padded := " " + Normalize(text) + " "
	// Negatives first so "no confirmo" is a no.
	for _, p := range noPhrases {
		if strings.Contains(padded, " "+p+" ") {
			return ReplyNo
		}
	}
	for _, p := range yesPhrases {
		if strings.Contains(padded, " "+p+" ") {
			return ReplyYes
		}
	}
	return ReplyUnknown
}

// Normalize lower-cases text, strips diacritics and turns punctuation into
// single spaces.
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
