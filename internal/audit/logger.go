package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventRotationSuccess EventType = "rotation_success"
	EventRotationFailure EventType = "rotation_failure"
	EventManualRotate    EventType = "manual_rotate"
	EventChatBind        EventType = "chat_bind"
	EventChatUnbind      EventType = "chat_unbind"
	EventIntervalChange  EventType = "interval_change"
	EventDefaultChat     EventType = "default_chat_change"
	EventScheduleToggle  EventType = "schedule_toggle"
	EventAccountCreate   EventType = "account_create"
	EventAccountDelete   EventType = "account_delete"
	EventPanelCreate     EventType = "panel_create"
	EventAuthFailure     EventType = "auth_failure"
)

type Event struct {
	Type      EventType
	Actor     string
	AccountID string
	PanelID   string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "rotation").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.Actor != "" {
		logger = logger.With().Str("actor", event.Actor).Logger()
	}
	if event.AccountID != "" {
		logger = logger.With().Str("account_id", event.AccountID).Logger()
	}
	if event.PanelID != "" {
		logger = logger.With().Str("panel_id", event.PanelID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Time:
		return e.Time(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
