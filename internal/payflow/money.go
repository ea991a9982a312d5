package payflow

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var currencySymbols = map[string]string{
	"PEN": "S/",
	"USD": "$",
	"EUR": "€",
	"MXN": "$",
	"COP": "$",
	"CLP": "$",
	"ARS": "$",
	"BRL": "R$",
	"GBP": "£",
}

// amountPrinter always renders "1,234.56" so amounts read the same in every locale.
var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders minor units as "{symbol} {major}.{minor}", e.g. 6000 PEN is "S/ 60.00".
func FormatAmount(amountCents int64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if unit, err := currency.ParseISO(code); err == nil {
		code = unit.String()
	}
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code
	}
	major := float64(amountCents) / 100
	return amountPrinter.Sprintf("%s %v", symbol,
		number.Decimal(major, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
