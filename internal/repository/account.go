package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByRemoteUsername(ctx context.Context, username string) ([]model.Account, error)
	FindAll(ctx context.Context, limit, offset int) ([]model.Account, error)
	// ListDue returns enabled, scheduled accounts whose derived due time is at
	// or before now, oldest-due first.
	ListDue(ctx context.Context, now time.Time) ([]model.Account, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	// MarkRotated sets last_reset_at in a single statement. Returns a NotFound
	// AppError when the account no longer exists.
	MarkRotated(ctx context.Context, id string, at time.Time) error
	BindChatID(ctx context.Context, id string, chatID *int64) error
	SetInterval(ctx context.Context, id string, intervalHours *int) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db sqlxDB
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, r.db.Rebind(`
		SELECT * FROM accounts WHERE id = ?
	`), id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByRemoteUsername(ctx context.Context, username string) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, r.db.Rebind(`
		SELECT * FROM accounts
		WHERE remote_username = ?
		ORDER BY created_at ASC, id ASC
	`), username)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) FindAll(ctx context.Context, limit, offset int) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, r.db.Rebind(`
		SELECT * FROM accounts
		ORDER BY panel_id ASC, remote_username ASC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) ListDue(ctx context.Context, now time.Time) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, r.db.Rebind(`
		SELECT * FROM accounts
		WHERE enabled = ?
			AND interval_hours IS NOT NULL
			AND interval_hours > 0
			AND (last_reset_at IS NULL OR last_reset_at + interval_hours * 3600 <= ?)
		ORDER BY COALESCE(last_reset_at + interval_hours * 3600, 0) ASC, id ASC
	`), true, now.Unix())
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	var account model.Account
	now := time.Now().Unix()
	err := r.db.GetContext(ctx, &account, r.db.Rebind(`
		INSERT INTO accounts (id, panel_id, remote_username, interval_hours, chat_id, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING *
	`), uuid.NewString(), params.PanelID, params.RemoteUsername, params.IntervalHours, params.ChatID, true, now, now)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// MarkRotated stores at rounded up to the whole second, so the account never
// comes due before at plus its interval.
func (r *accountRepo) MarkRotated(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts SET last_reset_at = ?, updated_at = ? WHERE id = ?
	`), ceilUnix(at), time.Now().Unix(), id)
	return requireAffected(result, err, "Account")
}

func (r *accountRepo) BindChatID(ctx context.Context, id string, chatID *int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts SET chat_id = ?, updated_at = ? WHERE id = ?
	`), chatID, time.Now().Unix(), id)
	return requireAffected(result, err, "Account")
}

func (r *accountRepo) SetInterval(ctx context.Context, id string, intervalHours *int) error {
	if intervalHours != nil && *intervalHours <= 0 {
		return apperrors.InvalidInput("intervalHours", "must be a positive number of hours")
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts SET interval_hours = ?, updated_at = ? WHERE id = ?
	`), intervalHours, time.Now().Unix(), id)
	return requireAffected(result, err, "Account")
}

func (r *accountRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?
	`), enabled, time.Now().Unix(), id)
	return requireAffected(result, err, "Account")
}

func (r *accountRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	return err
}

func (r *accountRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM accounts`)
	return count, err
}
