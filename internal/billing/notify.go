package billing

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Notice is a human-readable billing notification for one member.
type Notice struct {
	UserID  int64
	Subject string
	Body    string
}

// Notifier delivers notices after a ledger transaction has committed. A
// failed delivery must never unwind the ledger, so implementations queue or
// log; they do not return the error to the transaction path.
type Notifier interface {
	Send(ctx context.Context, notice Notice) error
}

// notify dispatches a notice and logs delivery failures.
func (s *Service) notify(ctx context.Context, userID int64, subject, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, Notice{UserID: userID, Subject: subject, Body: body}); err != nil {
		s.logger.Warn("send billing notice",
			slog.Int64("user_id", userID),
			slog.String("subject", subject),
			slog.Any("error", err))
	}
}

var moneyPrinter = message.NewPrinter(language.AmericanEnglish)

// formatMoney renders an amount as a dollar string with thousands grouping.
// The cents are taken straight from the decimal so the value never round-trips
// through a float.
func formatMoney(amount decimal.Decimal) string {
	fixed := amount.Round(2).StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	whole, cents, _ := strings.Cut(fixed, ".")
	if n, err := strconv.ParseInt(whole, 10, 64); err == nil {
		whole = moneyPrinter.Sprintf("%d", n)
	}
	return sign + "$" + whole + "." + cents
}
