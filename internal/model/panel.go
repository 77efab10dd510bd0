package model

type Panel struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	BaseURL          string `db:"base_url" json:"baseUrl"`
	AdminUsername    string `db:"admin_username" json:"-"`
	AdminPasswordEnc string `db:"admin_password_enc" json:"-"`
	VerifyTLS        bool   `db:"verify_tls" json:"verifyTls"`
	DefaultChatID    *int64 `db:"default_chat_id" json:"defaultChatId,omitempty"`
	CreatedAt        int64  `db:"created_at" json:"-"`
	UpdatedAt        int64  `db:"updated_at" json:"-"`
}

type CreatePanelParams struct {
	Name             string
	BaseURL          string
	AdminUsername    string
	AdminPasswordEnc string
	VerifyTLS        bool
	DefaultChatID    *int64
}
