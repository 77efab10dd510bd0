package service

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/marzops/rotator/internal/audit"
	"github.com/marzops/rotator/internal/database"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/repository"
	"github.com/marzops/rotator/internal/util"
)

type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// AccountService holds the operator-facing edits of accounts and panels.
// Every change is audited with the acting operator.
type AccountService struct {
	db            TxRunner
	accountRepo   repository.AccountRepository
	panelRepo     repository.PanelRepository
	encryptionKey string
}

func NewAccountService(
	db TxRunner,
	accountRepo repository.AccountRepository,
	panelRepo repository.PanelRepository,
	encryptionKey string,
) *AccountService {
	return &AccountService{
		db:            db,
		accountRepo:   accountRepo,
		panelRepo:     panelRepo,
		encryptionKey: encryptionKey,
	}
}

func (s *AccountService) ListAccounts(ctx context.Context, limit, offset int) ([]model.Account, int, error) {
	accounts, err := s.accountRepo.FindAll(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	total, err := s.accountRepo.Count(ctx)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	return accounts, total, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	account, err := s.accountRepo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	return account, nil
}

// ResolveAccounts finds accounts by id, or by remote username when ref is not
// an id. A username may exist on several panels.
func (s *AccountService) ResolveAccounts(ctx context.Context, ref string) ([]model.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.MissingRequired("account")
	}
	if util.IsValidUUID(ref) {
		account, err := s.GetAccount(ctx, ref)
		if err != nil {
			return nil, err
		}
		return []model.Account{*account}, nil
	}

	accounts, err := s.accountRepo.FindByRemoteUsername(ctx, ref)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(accounts) == 0 {
		return nil, apperrors.NotFound("Account")
	}
	return accounts, nil
}

func (s *AccountService) CreateAccount(ctx context.Context, params model.CreateAccountParams, actor string) (*model.Account, error) {
	params.RemoteUsername = strings.TrimSpace(params.RemoteUsername)
	if params.RemoteUsername == "" {
		return nil, apperrors.MissingRequired("remoteUsername")
	}
	if params.IntervalHours != nil && *params.IntervalHours <= 0 {
		return nil, apperrors.InvalidInput("intervalHours", "must be a positive number of hours")
	}
	panel, err := s.panelRepo.FindByID(ctx, params.PanelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if panel == nil {
		return nil, apperrors.NotFound("Panel")
	}

	account, err := s.accountRepo.Create(ctx, params)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.AlreadyExists("Account")
		}
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventAccountCreate,
		Actor:     actor,
		AccountID: account.ID,
		PanelID:   account.PanelID,
		Details:   map[string]interface{}{"username": account.RemoteUsername},
	})
	return account, nil
}

func (s *AccountService) DeleteAccount(ctx context.Context, id, actor string) error {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return err
	}
	if err := s.accountRepo.Delete(ctx, id); err != nil {
		return apperrors.Database(err)
	}
	audit.Log(ctx, audit.Event{Type: audit.EventAccountDelete, Actor: actor, AccountID: id})
	return nil
}

// BindChat sets the account's notification chat; nil clears it.
func (s *AccountService) BindChat(ctx context.Context, id string, chatID *int64, actor string) error {
	if err := s.accountRepo.BindChatID(ctx, id, chatID); err != nil {
		return storeError(err)
	}

	event := audit.Event{Type: audit.EventChatUnbind, Actor: actor, AccountID: id}
	if chatID != nil {
		event.Type = audit.EventChatBind
		event.Details = map[string]interface{}{"chat_id": *chatID}
	}
	audit.Log(ctx, event)
	return nil
}

// BindChatMany binds every account in ids to the same chat atomically.
func (s *AccountService) BindChatMany(ctx context.Context, ids []string, chatID *int64, actor string) error {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := s.accountRepo.WithTx(tx)
		for _, id := range ids {
			if err := repo.BindChatID(ctx, id, chatID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeError(err)
	}

	for _, id := range ids {
		event := audit.Event{Type: audit.EventChatUnbind, Actor: actor, AccountID: id}
		if chatID != nil {
			event.Type = audit.EventChatBind
			event.Details = map[string]interface{}{"chat_id": *chatID}
		}
		audit.Log(ctx, event)
	}
	return nil
}

// SetInterval changes the schedule; nil unschedules the account. The next due
// time follows from the new interval on the next scheduler read.
func (s *AccountService) SetInterval(ctx context.Context, id string, hours *int, actor string) error {
	if err := s.accountRepo.SetInterval(ctx, id, hours); err != nil {
		return storeError(err)
	}

	details := map[string]interface{}{"interval_hours": "unset"}
	if hours != nil {
		details["interval_hours"] = *hours
	}
	audit.Log(ctx, audit.Event{Type: audit.EventIntervalChange, Actor: actor, AccountID: id, Details: details})
	return nil
}

func (s *AccountService) SetEnabled(ctx context.Context, id string, enabled bool, actor string) error {
	if err := s.accountRepo.SetEnabled(ctx, id, enabled); err != nil {
		return storeError(err)
	}
	audit.Log(ctx, audit.Event{
		Type:      audit.EventScheduleToggle,
		Actor:     actor,
		AccountID: id,
		Details:   map[string]interface{}{"enabled": enabled},
	})
	return nil
}

func (s *AccountService) GetPanel(ctx context.Context, id string) (*model.Panel, error) {
	panel, err := s.panelRepo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if panel == nil {
		return nil, apperrors.NotFound("Panel")
	}
	return panel, nil
}

func (s *AccountService) ListPanels(ctx context.Context) ([]model.Panel, error) {
	panels, err := s.panelRepo.FindAll(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return panels, nil
}

// CreatePanel normalises the base URL and encrypts the admin password when an
// encryption key is configured.
func (s *AccountService) CreatePanel(ctx context.Context, params model.CreatePanelParams, actor string) (*model.Panel, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, apperrors.MissingRequired("name")
	}
	if strings.TrimSpace(params.AdminUsername) == "" {
		return nil, apperrors.MissingRequired("adminUsername")
	}
	if params.AdminPasswordEnc == "" {
		return nil, apperrors.MissingRequired("adminPassword")
	}

	base, err := NormalizeBaseURL(params.BaseURL)
	if err != nil {
		return nil, err
	}
	params.BaseURL = base

	if s.encryptionKey != "" {
		enc, err := util.Encrypt(s.encryptionKey, params.AdminPasswordEnc)
		if err != nil {
			return nil, apperrors.Internal("failed to encrypt panel password").WithCause(err)
		}
		params.AdminPasswordEnc = enc
	}

	panel, err := s.panelRepo.Create(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventPanelCreate,
		Actor:   actor,
		PanelID: panel.ID,
		Details: map[string]interface{}{"base_url": panel.BaseURL},
	})
	return panel, nil
}

func (s *AccountService) SetPanelDefaultChat(ctx context.Context, panelID string, chatID *int64, actor string) error {
	if err := s.panelRepo.SetDefaultChatID(ctx, panelID, chatID); err != nil {
		return storeError(err)
	}
	details := map[string]interface{}{"chat_id": "unset"}
	if chatID != nil {
		details["chat_id"] = *chatID
	}
	audit.Log(ctx, audit.Event{Type: audit.EventDefaultChat, Actor: actor, PanelID: panelID, Details: details})
	return nil
}

func storeError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.Database(err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
