package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marzops/rotator/internal/audit"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/jobs"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/service"
)

const operatorActor = "operator-api"

// Rotator is the scheduler surface the operator interfaces need.
type Rotator interface {
	RotateNow(ctx context.Context, accountID string) (model.RotationResult, error)
	LastFailure(accountID string) (jobs.FailureRecord, bool)
}

type AdminHandler struct {
	accounts *service.AccountService
	rotator  Rotator
	now      func() time.Time
}

func NewAdminHandler(accounts *service.AccountService, rotator Rotator) *AdminHandler {
	return &AdminHandler{
		accounts: accounts,
		rotator:  rotator,
		now:      time.Now,
	}
}

// Routes must be mounted behind the admin token middleware.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Accounts
	r.Get("/api/accounts", h.ListAccounts)
	r.Post("/api/accounts", h.CreateAccount)
	r.Get("/api/accounts/{id}", h.GetAccount)
	r.Delete("/api/accounts/{id}", h.DeleteAccount)
	r.Put("/api/accounts/{id}/chat", h.SetChat)
	r.Put("/api/accounts/{id}/interval", h.SetInterval)
	r.Put("/api/accounts/{id}/enabled", h.SetEnabled)
	r.Post("/api/accounts/{id}/rotate", h.Rotate)

	// Panels
	r.Get("/api/panels", h.ListPanels)
	r.Post("/api/panels", h.CreatePanel)
	r.Put("/api/panels/{id}/default-chat", h.SetDefaultChat)

	return r
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	accounts, total, err := h.accounts.ListAccounts(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := h.now()
	items := make([]map[string]any, 0, len(accounts))
	for _, acc := range accounts {
		items = append(items, h.formatAccount(acc, now))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PanelID        string `json:"panelId"`
		RemoteUsername string `json:"remoteUsername"`
		IntervalHours  *int   `json:"intervalHours"`
		ChatID         *int64 `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.ValidationError("Invalid request body"))
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), model.CreateAccountParams{
		PanelID:        req.PanelID,
		RemoteUsername: req.RemoteUsername,
		IntervalHours:  req.IntervalHours,
		ChatID:         req.ChatID,
	}, operatorActor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.formatAccount(*account, h.now()))
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.formatAccount(*account, h.now()))
}

func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.DeleteAccount(r.Context(), chi.URLParam(r, "id"), operatorActor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) SetChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := decodeNullable[int64](r, "chatId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.updateAndReturn(w, r, func(ctx context.Context, id string) error {
		return h.accounts.BindChat(ctx, id, chatID, operatorActor)
	})
}

func (h *AdminHandler) SetInterval(w http.ResponseWriter, r *http.Request) {
	hours, err := decodeNullable[int](r, "intervalHours")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.updateAndReturn(w, r, func(ctx context.Context, id string) error {
		return h.accounts.SetInterval(ctx, id, hours, operatorActor)
	})
}

func (h *AdminHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	enabled, err := decodeNullable[bool](r, "enabled")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if enabled == nil {
		writeError(w, r, apperrors.InvalidInput("enabled", "must be true or false"))
		return
	}
	h.updateAndReturn(w, r, func(ctx context.Context, id string) error {
		return h.accounts.SetEnabled(ctx, id, *enabled, operatorActor)
	})
}

func (h *AdminHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	audit.LogFromRequest(r, audit.Event{Type: audit.EventManualRotate, Actor: operatorActor, AccountID: id})

	result, err := h.rotator.RotateNow(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, formatRotation(result))
}

func (h *AdminHandler) ListPanels(w http.ResponseWriter, r *http.Request) {
	panels, err := h.accounts.ListPanels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(panels))
	for _, p := range panels {
		items = append(items, formatPanel(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *AdminHandler) CreatePanel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		BaseURL       string `json:"baseUrl"`
		AdminUsername string `json:"adminUsername"`
		AdminPassword string `json:"adminPassword"`
		VerifyTLS     *bool  `json:"verifyTls"`
		DefaultChatID *int64 `json:"defaultChatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.ValidationError("Invalid request body"))
		return
	}

	verify := true
	if req.VerifyTLS != nil {
		verify = *req.VerifyTLS
	}

	panel, err := h.accounts.CreatePanel(r.Context(), model.CreatePanelParams{
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		AdminUsername:    req.AdminUsername,
		AdminPasswordEnc: req.AdminPassword,
		VerifyTLS:        verify,
		DefaultChatID:    req.DefaultChatID,
	}, operatorActor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, formatPanel(*panel))
}

func (h *AdminHandler) SetDefaultChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := decodeNullable[int64](r, "chatId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.accounts.SetPanelDefaultChat(r.Context(), chi.URLParam(r, "id"), chatID, operatorActor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) updateAndReturn(w http.ResponseWriter, r *http.Request, update func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := update(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.formatAccount(*account, h.now()))
}

func (h *AdminHandler) formatAccount(acc model.Account, now time.Time) map[string]any {
	var failure *jobs.FailureRecord
	if rec, ok := h.rotator.LastFailure(acc.ID); ok {
		failure = &rec
	}
	return formatAccount(acc, failure, now)
}
