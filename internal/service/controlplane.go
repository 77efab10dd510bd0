package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marzops/rotator/internal/config"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/util"
)

const maxNodeUsageLines = 10

type ControlPlaneConfig struct {
	// Timeout bounds every single HTTP request to a panel.
	Timeout       time.Duration
	TokenTTL      time.Duration
	EncryptionKey string
}

// ControlPlaneClient is the typed facade over all configured panels. Session
// handling is internal: callers only ever see the rotation error taxonomy.
type ControlPlaneClient struct {
	cfg    ControlPlaneConfig
	tokens TokenCache
	public *http.Client

	mu      sync.Mutex
	clients map[string]panelClientEntry
}

type panelClientEntry struct {
	fingerprint string
	client      *PanelClient
}

func NewControlPlaneClient(cfg ControlPlaneConfig, tokens TokenCache) *ControlPlaneClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	return &ControlPlaneClient{
		cfg:     cfg,
		tokens:  tokens,
		public:  &http.Client{Timeout: config.SubscriptionFetchTimeout},
		clients: make(map[string]panelClientEntry),
	}
}

// Rotate revokes the user's subscription. The returned record already carries
// the new subscription URL and links.
func (c *ControlPlaneClient) Rotate(ctx context.Context, panel *model.Panel, username string) (*model.RemoteUser, error) {
	pc, err := c.forPanel(ctx, panel)
	if err != nil {
		return nil, err
	}
	return pc.RevokeSubscription(ctx, username)
}

func (c *ControlPlaneClient) FetchUser(ctx context.Context, panel *model.Panel, username string) (*model.RemoteUser, error) {
	pc, err := c.forPanel(ctx, panel)
	if err != nil {
		return nil, err
	}
	return pc.GetUser(ctx, username)
}

// FetchLinks resolves the links of a user record from Rotate or FetchUser.
// The decoded subscription payload wins over the API links when it is a link
// list.
func (c *ControlPlaneClient) FetchLinks(ctx context.Context, panel *model.Panel, user *model.RemoteUser) ([]string, error) {
	if user == nil {
		return nil, apperrors.NotFound("Remote user")
	}
	pc, err := c.forPanel(ctx, panel)
	if err != nil {
		return nil, err
	}

	apiLinks := cleanLinks(user.Links)
	if user.SubscriptionURL == "" {
		return apiLinks, nil
	}

	subURL, err := pc.resolveURL(user.SubscriptionURL)
	if err != nil {
		return apiLinks, nil
	}
	payload, err := c.fetchSubscription(ctx, subURL)
	if err != nil {
		log.Debug().Err(err).Str("panelId", panel.ID).Str("username", user.Username).Msg("subscription fetch failed, using api links")
		return apiLinks, nil
	}
	if links := ResolveSubscription(payload); IsLinkList(links) {
		return links, nil
	}
	return apiLinks, nil
}

// FetchUsage builds the usage summary of a user record and adds the per-node
// breakdown.
func (c *ControlPlaneClient) FetchUsage(ctx context.Context, panel *model.Panel, user *model.RemoteUser) (*model.UsageReport, error) {
	if user == nil {
		return nil, apperrors.NotFound("Remote user")
	}
	pc, err := c.forPanel(ctx, panel)
	if err != nil {
		return nil, err
	}

	report := &model.UsageReport{
		Username:        user.Username,
		Status:          user.Status,
		SubscriptionURL: user.SubscriptionURL,
	}
	if user.UsedTraffic != nil {
		report.UsedTraffic = *user.UsedTraffic
	}
	if user.DataLimit != nil && *user.DataLimit > 0 {
		limit := *user.DataLimit
		report.DataLimit = &limit
	}
	if user.Expire != nil && *user.Expire > 0 {
		exp := time.Unix(*user.Expire, 0).UTC()
		report.ExpireAt = &exp
	}
	report.CreatedAt = parsePanelTime(user.CreatedAt)
	if user.SubUpdatedAt != nil {
		report.SubUpdatedAt = parsePanelTime(*user.SubUpdatedAt)
	}

	usage, err := pc.GetUsage(ctx, user.Username)
	if err != nil {
		// Node breakdown is decoration; the user totals are already known.
		log.Debug().Err(err).Str("panelId", panel.ID).Str("username", user.Username).Msg("node usage unavailable")
		return report, nil
	}
	for i, u := range usage.Usages {
		if i >= maxNodeUsageLines {
			break
		}
		report.Nodes = append(report.Nodes, model.NodeUsage{Name: u.NodeName, UsedTraffic: u.UsedTraffic})
	}
	return report, nil
}

func (c *ControlPlaneClient) forPanel(ctx context.Context, panel *model.Panel) (*PanelClient, error) {
	if panel == nil {
		return nil, apperrors.NotFound("Panel")
	}
	fp := util.Fingerprint(panel.BaseURL, panel.AdminUsername, panel.AdminPasswordEnc, fmt.Sprint(panel.VerifyTLS))

	c.mu.Lock()
	entry, ok := c.clients[panel.ID]
	c.mu.Unlock()
	if ok && entry.fingerprint == fp {
		return entry.client, nil
	}

	password, err := util.OpenSecret(c.cfg.EncryptionKey, panel.AdminPasswordEnc)
	if err != nil {
		return nil, apperrors.Unknown("cannot decrypt panel password", err)
	}
	pc, err := NewPanelClient(PanelClientConfig{
		PanelID:   panel.ID,
		BaseURL:   panel.BaseURL,
		Username:  panel.AdminUsername,
		Password:  password,
		VerifyTLS: panel.VerifyTLS,
		Timeout:   c.cfg.Timeout,
		TokenTTL:  c.cfg.TokenTTL,
	}, c.tokens)
	if err != nil {
		return nil, err
	}

	if ok {
		// Credentials changed; the cached token belongs to the old ones.
		c.tokens.Delete(ctx, panel.ID)
	}

	c.mu.Lock()
	c.clients[panel.ID] = panelClientEntry{fingerprint: fp, client: pc}
	c.mu.Unlock()
	return pc, nil
}

func (c *ControlPlaneClient) fetchSubscription(ctx context.Context, subURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.public.Do(req)
	if err != nil {
		return "", fmt.Errorf("subscription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("subscription fetch failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read subscription: %w", err)
	}
	return string(body), nil
}

// NormalizeBaseURL accepts what operators paste (host only, docs URL, /api
// suffix) and returns scheme://host[/path] without a trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperrors.MissingRequired("baseUrl")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", apperrors.InvalidInput("baseUrl", err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", apperrors.InvalidInput("baseUrl", "expected http(s) URL")
	}
	if parsed.Host == "" {
		return "", apperrors.InvalidInput("baseUrl", "missing host")
	}

	path := strings.TrimRight(parsed.Path, "/")
	lowered := strings.ToLower(path)
	for _, suffix := range []string{"/docs", "/redoc", "/openapi.json"} {
		if strings.HasSuffix(lowered, suffix) {
			path = strings.TrimRight(path[:len(path)-len(suffix)], "/")
			lowered = strings.ToLower(path)
			break
		}
	}
	if strings.HasSuffix(lowered, "/api") {
		path = strings.TrimRight(path[:len(path)-len("/api")], "/")
	}

	return parsed.Scheme + "://" + parsed.Host + path, nil
}

// classifyTransportError maps a failed round trip to the taxonomy. Every
// transport failure, including timeouts, is retried on the next tick.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return apperrors.Transient(fmt.Sprintf("%s canceled", op), err)
	}
	return apperrors.Transient(fmt.Sprintf("%s request failed", op), err)
}

func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Unauthorized(fmt.Sprintf("%s rejected with status %d", op, status))
	case status == http.StatusNotFound:
		return apperrors.NotFound("Remote user")
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return apperrors.Transient(fmt.Sprintf("%s failed with status %d", op, status), nil)
	default:
		return apperrors.Unknown(fmt.Sprintf("%s failed with status %d", op, status), nil)
	}
}

// parsePanelTime reads the panel's ISO timestamps, which may omit the zone;
// those are UTC.
func parsePanelTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func cleanLinks(raw []string) []string {
	var out []string
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func newPanelHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted out per panel
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
