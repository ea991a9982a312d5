package payflow

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// DefaultLocale is used when neither the request nor the tenant picks one.
const DefaultLocale = "es"

type catalogue struct {
	noProducts      string
	productList     string
	productNotFound string
	askName         string
	invalidName     string
	askEmail        string
	invalidEmail    string
	summary         string
	restarted       string
	newLinkPrompt   string
	existingLink    string
	apology         string
}

var catalogues = map[string]catalogue{
	"es": {
		noProducts:      "Por ahora no tenemos productos disponibles para pago en línea. Un asesor te ayudará en breve.",
		productList:     "Estos son nuestros productos disponibles:\n\n%s\n\nResponde con el número o el nombre del producto.",
		productNotFound: "No encontré ese producto. Elige uno de la lista:\n\n%s",
		askName:         "Elegiste *%s* (%s). ¿A nombre de quién emitimos el pago?",
		invalidName:     "Por favor escribe un nombre válido (al menos 2 letras).",
		askEmail:        "Gracias, %s. ¿Cuál es tu correo electrónico?",
		invalidEmail:    "Ese correo no parece válido. Escríbelo de nuevo, por ejemplo nombre@correo.com",
		summary:         "Confirma tus datos:\n\n• Producto: %s\n• Monto: %s\n• Nombre: %s\n• Correo: %s\n\nResponde *confirmar* para generar tu link de pago o *cancelar* para empezar de nuevo.",
		restarted:       "Listo, cancelé la solicitud. Cuando quieras empezar de nuevo pídeme un link de pago.",
		newLinkPrompt:   "Ya tienes un link de pago para *%s* (%s): %s\n\n¿Quieres generar uno nuevo? Responde *sí* para uno nuevo o *no* para conservar el actual.",
		existingLink:    "Este es tu link de pago para *%s* (%s):\n%s",
		apology:         "Lo sentimos, no pudimos generar tu link de pago en este momento. Intenta confirmar de nuevo en unos minutos.",
	},
	"en": {
		noProducts:      "We have no products available for online payment right now. An agent will help you shortly.",
		productList:     "These are our available products:\n\n%s\n\nReply with the number or the name of the product.",
		productNotFound: "I couldn't find that product. Pick one from the list:\n\n%s",
		askName:         "You picked *%s* (%s). Whose name should the payment be under?",
		invalidName:     "Please type a valid name (at least 2 letters).",
		askEmail:        "Thanks, %s. What is your email address?",
		invalidEmail:    "That email doesn't look right. Please type it again, e.g. name@example.com",
		summary:         "Please confirm your details:\n\n• Product: %s\n• Amount: %s\n• Name: %s\n• Email: %s\n\nReply *confirm* to get your payment link or *cancel* to start over.",
		restarted:       "Done, I cancelled the request. Ask me for a payment link whenever you want to start again.",
		newLinkPrompt:   "You already have a payment link for *%s* (%s): %s\n\nDo you want a new one? Reply *yes* for a new link or *no* to keep this one.",
		existingLink:    "Here is your payment link for *%s* (%s):\n%s",
		apology:         "Sorry, we couldn't create your payment link right now. Please try confirming again in a few minutes.",
	},
}

// resolveLocale maps tags such as "es-PE" or "en_US" to a supported catalogue.
func resolveLocale(locale string) string {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		return DefaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLocale
	}
	base, _ := tag.Base()
	if _, ok := catalogues[base.String()]; ok {
		return base.String()
	}
	return DefaultLocale
}

func messagesFor(locale string) catalogue {
	return catalogues[resolveLocale(locale)]
}

func formatCatalog(items []CatalogItem) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("%d. %s - %s", i+1, it.Name, FormatAmount(it.AmountCents, it.Currency))
	}
	return strings.Join(lines, "\n")
}
