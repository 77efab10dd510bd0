package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
)

// MaxMessageRunes keeps messages under Telegram's 4096 character limit.
const MaxMessageRunes = 4000

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramNotifier struct {
	bot     sender
	limiter *rate.Limiter
}

// NewTelegramNotifier shares one token bucket across every send. A
// non-positive rate disables limiting.
func NewTelegramNotifier(bot sender, perSecond float64) *TelegramNotifier {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &TelegramNotifier{
		bot:     bot,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send delivers the text in chunks, then the document. Delivery is not
// retried; the error carries DESTINATION_INVALID, TRANSIENT or UNKNOWN.
func (n *TelegramNotifier) Send(ctx context.Context, chatID int64, msg model.Notification) error {
	to := tele.ChatID(chatID)

	for _, chunk := range SplitMessage(msg.Text, MaxMessageRunes) {
		if err := n.wait(ctx); err != nil {
			return err
		}
		if _, err := n.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return n.fail(chatID, "text", err)
		}
	}

	if msg.Document != nil {
		if err := n.wait(ctx); err != nil {
			return err
		}
		doc := &tele.Document{
			File:     tele.FromReader(bytes.NewReader(msg.Document.Content)),
			FileName: msg.Document.FileName,
		}
		if _, err := n.bot.Send(to, doc); err != nil {
			return n.fail(chatID, "document", err)
		}
	}

	return nil
}

func (n *TelegramNotifier) wait(ctx context.Context) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return apperrors.Transient("notification rate limit wait aborted", err)
	}
	return nil
}

func (n *TelegramNotifier) fail(chatID int64, part string, err error) error {
	classified := ClassifyTelegramError(err)
	log.Warn().
		Err(err).
		Int64("chatId", chatID).
		Str("part", part).
		Str("code", string(apperrors.GetCode(classified))).
		Msg("telegram send failed")
	return classified
}

var telegramCodePattern = regexp.MustCompile(`\((\d{3})\)\s*$`)

// ClassifyTelegramError maps a Bot API failure to the notification error
// taxonomy.
func ClassifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Transient("telegram request timed out", err)
	}

	code, desc := 0, err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		code, desc = te.Code, te.Description
	} else if m := telegramCodePattern.FindStringSubmatch(desc); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	lower := strings.ToLower(desc)

	switch {
	case code == 403:
		return apperrors.DestinationInvalid("bot cannot write to this chat", err)
	case code == 400 && (strings.Contains(lower, "chat not found") ||
		strings.Contains(lower, "user not found") ||
		strings.Contains(lower, "peer_id_invalid") ||
		strings.Contains(lower, "chat_id is empty")):
		return apperrors.DestinationInvalid("chat does not exist", err)
	case code == 429 || strings.Contains(lower, "retry after") || strings.Contains(lower, "too many requests"):
		return apperrors.Transient("telegram flood control", err)
	case code >= 500:
		return apperrors.Transient(fmt.Sprintf("telegram server error %d", code), err)
	case code == 0:
		// No API status: the request never got an answer.
		return apperrors.Transient("telegram request failed", err)
	default:
		return apperrors.Unknown(fmt.Sprintf("telegram rejected message (%d)", code), err)
	}
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// newline boundaries.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if rest := strings.TrimRight(string(runes), "\n"); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
