package telegram

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"covidbot/internal/delivery"
)

// ErrInvalidRecipient is returned for recipients that are not numeric chat ids.
var ErrInvalidRecipient = errors.New("telegram: invalid recipient")

// telebot formats API errors it has no sentinel for as "telegram: <desc> (<code>)".
var reAPIError = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)

// Classify maps Telegram Bot API errors onto the delivery taxonomy.
//
//	403                       -> unreachable (blocked, kicked, deactivated)
//	400 with migrate_to_chat  -> migrated
//	400, 429, net timeouts    -> transient
//	everything else           -> fatal
func Classify(err error) delivery.Classification {
	if err == nil {
		return delivery.Classification{Kind: delivery.KindTransient, Reason: "no error"}
	}
	if errors.Is(err, ErrInvalidRecipient) {
		return delivery.Classification{Kind: delivery.KindTransient, Reason: "invalid recipient"}
	}

	var ge tele.GroupError
	if errors.As(err, &ge) && ge.MigratedTo != 0 {
		return delivery.Classification{
			Kind:       delivery.KindMigrated,
			MigratedTo: delivery.Recipient(strconv.FormatInt(ge.MigratedTo, 10)),
			Reason:     "group migrated to supergroup",
		}
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return delivery.Classification{
			Kind:   delivery.KindTransient,
			Reason: fmt.Sprintf("flood control, retry after %ds", fe.RetryAfter),
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return byCode(te.Code, te.Description)
	}
	if m := reAPIError.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		return byCode(code, m[1])
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return delivery.Classification{Kind: delivery.KindTransient, Reason: "network timeout"}
	}
	return delivery.Classification{Kind: delivery.KindFatal, Reason: err.Error()}
}

func byCode(code int, desc string) delivery.Classification {
	switch code {
	case http.StatusForbidden:
		return delivery.Classification{Kind: delivery.KindUnreachable, Reason: desc}
	case http.StatusBadRequest, http.StatusTooManyRequests:
		return delivery.Classification{Kind: delivery.KindTransient, Reason: desc}
	default:
		return delivery.Classification{Kind: delivery.KindFatal, Reason: fmt.Sprintf("%s (%d)", desc, code)}
	}
}
