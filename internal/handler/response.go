package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/httputil"
	"github.com/marzops/rotator/internal/jobs"
	"github.com/marzops/rotator/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := httputil.StatusFromCode(apperrors.GetCode(err)); status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	httputil.WriteError(w, err)
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAccount(acc model.Account, failure *jobs.FailureRecord, now time.Time) map[string]any {
	out := map[string]any{
		"id":             acc.ID,
		"panelId":        acc.PanelID,
		"remoteUsername": acc.RemoteUsername,
		"intervalHours":  acc.IntervalHours,
		"chatId":         acc.ChatID,
		"enabled":        acc.Enabled,
		"lastResetAt":    formatTime(acc.LastReset()),
		"nextDueAt":      nil,
		"due":            acc.IsDue(now),
		"lastError":      nil,
	}
	if next, ok := acc.NextDueAt(); ok {
		out["nextDueAt"] = formatTime(&next)
	}
	if failure != nil {
		out["lastError"] = map[string]any{
			"code":        failure.Code,
			"message":     failure.Message,
			"at":          formatTime(&failure.At),
			"consecutive": failure.Consecutive,
		}
	}
	return out
}

func formatPanel(p model.Panel) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"name":          p.Name,
		"baseUrl":       p.BaseURL,
		"verifyTls":     p.VerifyTLS,
		"defaultChatId": p.DefaultChatID,
	}
}

func formatRotation(res model.RotationResult) map[string]any {
	return map[string]any{
		"accountId": res.AccountID,
		"succeeded": res.Succeeded,
		"rotatedAt": formatTime(&res.RotatedAt),
		"nextDueAt": formatTime(&res.NextDueAt),
		"notified":  res.Notified,
		"links":     len(res.NewLinks),
	}
}

// decodeNullable reads a single-field body where the field must be present
// and null means "clear".
func decodeNullable[T any](r *http.Request, field string) (*T, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.MissingRequired(field)
		}
		return nil, apperrors.ValidationError("Invalid request body")
	}
	raw, ok := body[field]
	if !ok {
		return nil, apperrors.MissingRequired(field)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, apperrors.InvalidInput(field, fmt.Sprintf("expected %T", v))
	}
	return &v, nil
}
