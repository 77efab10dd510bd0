package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
)

type PanelClientConfig struct {
	PanelID   string
	BaseURL   string
	Username  string
	Password  string
	VerifyTLS bool
	Timeout   time.Duration
	TokenTTL  time.Duration
}

// PanelClient talks to one panel's admin API. Access tokens are shared
// through the TokenCache so every account on the panel reuses one session.
type PanelClient struct {
	panelID  string
	baseURL  string
	username string
	password string
	tokenTTL time.Duration

	client *http.Client
	tokens TokenCache

	loginMu sync.Mutex
}

type panelNodeUsage struct {
	NodeName    string `json:"node_name"`
	UsedTraffic int64  `json:"used_traffic"`
}

type panelUsage struct {
	Username string           `json:"username"`
	Usages   []panelNodeUsage `json:"usages"`
}

type panelToken struct {
	AccessToken string `json:"access_token"`
}

func NewPanelClient(cfg PanelClientConfig, tokens TokenCache) (*PanelClient, error) {
	base, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	return &PanelClient{
		panelID:  cfg.PanelID,
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		tokenTTL: cfg.TokenTTL,
		client:   newPanelHTTPClient(cfg.Timeout, cfg.VerifyTLS),
		tokens:   tokens,
	}, nil
}

// RevokeSubscription invalidates the user's subscription and returns the
// user record with the new subscription URL and links.
func (p *PanelClient) RevokeSubscription(ctx context.Context, username string) (*model.RemoteUser, error) {
	var user model.RemoteUser
	if err := p.call(ctx, http.MethodPost, "api/user/"+url.PathEscape(username)+"/revoke_sub", "revoke subscription", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *PanelClient) GetUser(ctx context.Context, username string) (*model.RemoteUser, error) {
	var user model.RemoteUser
	if err := p.call(ctx, http.MethodGet, "api/user/"+url.PathEscape(username), "get user", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *PanelClient) GetUsage(ctx context.Context, username string) (*panelUsage, error) {
	var usage panelUsage
	if err := p.call(ctx, http.MethodGet, "api/user/"+url.PathEscape(username)+"/usage", "get usage", &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// call performs an authenticated request. A 401 drops the cached token and
// the request is retried once with a fresh login.
func (p *PanelClient) call(ctx context.Context, method, path, op string, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	status, body, err := p.do(ctx, method, path, token, op)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		log.Info().Str("panelId", p.panelID).Str("op", op).Msg("panel token rejected, logging in again")
		p.tokens.Delete(ctx, p.panelID)
		token, err = p.login(ctx, token)
		if err != nil {
			return err
		}
		status, body, err = p.do(ctx, method, path, token, op)
		if err != nil {
			return err
		}
	}

	if err := classifyStatus(op, status); err != nil {
		log.Warn().
			Str("panelId", p.panelID).
			Str("op", op).
			Int("status", status).
			Msg("panel request failed")
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Unknown(fmt.Sprintf("%s returned an unreadable body", op), err)
	}
	return nil
}

func (p *PanelClient) do(ctx context.Context, method, path, token, op string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+"/"+path, nil)
	if err != nil {
		return 0, nil, apperrors.Unknown("create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("panelId", p.panelID).
			Str("op", op).
			Dur("elapsed", time.Since(start)).
			Msg("panel request error")
		return 0, nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, classifyTransportError(op, err)
	}

	log.Debug().
		Str("panelId", p.panelID).
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("panel request")

	return resp.StatusCode, body, nil
}

func (p *PanelClient) token(ctx context.Context) (string, error) {
	if token, ok := p.tokens.Get(ctx, p.panelID); ok {
		return token, nil
	}
	return p.login(ctx, "")
}

// login obtains a new access token. stale is the token the caller saw
// rejected; if another goroutine already replaced it, that token is reused.
func (p *PanelClient) login(ctx context.Context, stale string) (string, error) {
	p.loginMu.Lock()
	defer p.loginMu.Unlock()

	if token, ok := p.tokens.Get(ctx, p.panelID); ok && token != stale {
		return token, nil
	}

	form := url.Values{}
	form.Set("username", p.username)
	form.Set("password", p.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperrors.Unknown("create login request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("panelId", p.panelID).Msg("panel login error")
		return "", classifyTransportError("login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The login route always exists; a 404 means a wrong base URL.
		return "", apperrors.Unknown("login endpoint not found, check panel base URL", nil)
	}
	if err := classifyStatus("login", resp.StatusCode); err != nil {
		log.Warn().Str("panelId", p.panelID).Int("status", resp.StatusCode).Msg("panel login failed")
		return "", err
	}

	var tok panelToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tok); err != nil {
		return "", apperrors.Unknown("login returned an unreadable body", err)
	}
	if tok.AccessToken == "" {
		return "", apperrors.Unknown("login response has no access_token", nil)
	}

	p.tokens.Set(ctx, p.panelID, tok.AccessToken, p.tokenTTL)
	log.Info().Str("panelId", p.panelID).Msg("panel login successful")
	return tok.AccessToken, nil
}

// resolveURL makes a subscription URL absolute against the panel base URL.
func (p *PanelClient) resolveURL(raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(p.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
