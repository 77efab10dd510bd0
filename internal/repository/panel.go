package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/marzops/rotator/internal/model"
)

type PanelRepository interface {
	FindByID(ctx context.Context, id string) (*model.Panel, error)
	FindAll(ctx context.Context) ([]model.Panel, error)
	Create(ctx context.Context, params model.CreatePanelParams) (*model.Panel, error)
	SetDefaultChatID(ctx context.Context, id string, chatID *int64) error
	Delete(ctx context.Context, id string) error
}

type panelRepo struct {
	db sqlxDB
}

func NewPanelRepository(db *sqlx.DB) PanelRepository {
	return &panelRepo{db: db}
}

func (r *panelRepo) FindByID(ctx context.Context, id string) (*model.Panel, error) {
	var panel model.Panel
	err := r.db.GetContext(ctx, &panel, r.db.Rebind(`
		SELECT * FROM panels WHERE id = ?
	`), id)
	return HandleNotFound(&panel, err)
}

func (r *panelRepo) FindAll(ctx context.Context) ([]model.Panel, error) {
	var panels []model.Panel
	err := r.db.SelectContext(ctx, &panels, `
		SELECT * FROM panels ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	return panels, nil
}

func (r *panelRepo) Create(ctx context.Context, params model.CreatePanelParams) (*model.Panel, error) {
	var panel model.Panel
	now := time.Now().Unix()
	err := r.db.GetContext(ctx, &panel, r.db.Rebind(`
		INSERT INTO panels (id, name, base_url, admin_username, admin_password_enc, verify_tls, default_chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING *
	`), uuid.NewString(), params.Name, params.BaseURL, params.AdminUsername, params.AdminPasswordEnc,
		params.VerifyTLS, params.DefaultChatID, now, now)
	if err != nil {
		return nil, err
	}
	return &panel, nil
}

func (r *panelRepo) SetDefaultChatID(ctx context.Context, id string, chatID *int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE panels SET default_chat_id = ?, updated_at = ? WHERE id = ?
	`), chatID, time.Now().Unix(), id)
	return requireAffected(result, err, "Panel")
}

func (r *panelRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM panels WHERE id = ?`), id)
	return err
}
