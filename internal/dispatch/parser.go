package dispatch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CommandParser is the reference IntentParser: a small slash-command
// grammar plus two free-text shapes for expenses and installment
// purchases. Deployments with a richer NLU front end supply their own
// IntentParser and feed the same Intent structs into the handler.
type CommandParser struct{}

// NewCommandParser creates a CommandParser.
func NewCommandParser() *CommandParser {
	return &CommandParser{}
}

var (
	// "50 uber" or "uber 50" or "50.25 lunch with team"
	amountFirstRe = regexp.MustCompile(`^(\d+(?:[.,]\d{1,2})?)\s+(.+)$`)
	amountLastRe  = regexp.MustCompile(`^(.+?)\s+(\d+(?:[.,]\d{1,2})?)$`)
	// "tv 1200 in 12" or "1200 tv in 12x"
	installmentRe = regexp.MustCompile(`^(.+)\s+in\s+(\d{1,3})x?$`)
)

// Parse classifies text. Slash commands win, then the installment shape,
// then the two expense shapes. Unrecognized text returns false.
func (p *CommandParser) Parse(text string) (Intent, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Intent{}, false
	}

	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
		cmd, arg, _ := strings.Cut(text, " ")
		return Intent{
			Kind:    IntentCommand,
			Command: strings.ToLower(cmd),
			Arg:     strings.TrimSpace(arg),
		}, true
	}

	if m := installmentRe.FindStringSubmatch(text); m != nil {
		if intent, ok := parseInstallmentHead(m[1], m[2]); ok {
			return intent, true
		}
	}

	if m := amountFirstRe.FindStringSubmatch(text); m != nil {
		if amount, ok := parseAmount(m[1]); ok {
			return Intent{Kind: IntentExpense, Amount: amount, Description: strings.TrimSpace(m[2])}, true
		}
	}
	if m := amountLastRe.FindStringSubmatch(text); m != nil {
		if amount, ok := parseAmount(m[2]); ok {
			return Intent{Kind: IntentExpense, Amount: amount, Description: strings.TrimSpace(m[1])}, true
		}
	}

	return Intent{}, false
}

// parseInstallmentHead splits "tv 1200" / "1200 tv" plus the count into
// an installment intent.
func parseInstallmentHead(head, countText string) (Intent, bool) {
	count, err := strconv.Atoi(countText)
	if err != nil || count < 1 {
		return Intent{}, false
	}

	head = strings.TrimSpace(head)
	if m := amountFirstRe.FindStringSubmatch(head); m != nil {
		if total, ok := parseAmount(m[1]); ok {
			return installmentIntent(strings.TrimSpace(m[2]), total, count), true
		}
	}
	if m := amountLastRe.FindStringSubmatch(head); m != nil {
		if total, ok := parseAmount(m[2]); ok {
			return installmentIntent(strings.TrimSpace(m[1]), total, count), true
		}
	}
	return Intent{}, false
}

func installmentIntent(description string, total decimal.Decimal, count int) Intent {
	return Intent{
		Kind:        IntentInstallment,
		Description: description,
		TotalAmount: total,
		Count:       count,
	}
}

func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(s, ",", ".")
	amount, err := decimal.NewFromString(s)
	if err != nil || !amount.IsPositive() {
		return decimal.Decimal{}, false
	}
	return amount, true
}
