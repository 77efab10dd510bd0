package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/marzops/rotator/internal/database"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/jobs"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/repository"
	"github.com/marzops/rotator/internal/service"
)

type fakeRotator struct {
	calls    []string
	result   model.RotationResult
	err      error
	failures map[string]jobs.FailureRecord
}

func (f *fakeRotator) RotateNow(_ context.Context, id string) (model.RotationResult, error) {
	f.calls = append(f.calls, id)
	res := f.result
	res.AccountID = id
	return res, f.err
}

func (f *fakeRotator) LastFailure(id string) (jobs.FailureRecord, bool) {
	rec, ok := f.failures[id]
	return rec, ok
}

type adminHarness struct {
	router  http.Handler
	rotator *fakeRotator
	svc     *service.AccountService
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	db, err := database.Connect("sqlite://" + filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	svc := service.NewAccountService(
		db,
		repository.NewAccountRepository(db.DB),
		repository.NewPanelRepository(db.DB),
		"",
	)
	rot := &fakeRotator{failures: map[string]jobs.FailureRecord{}}
	h := NewAdminHandler(svc, rot)
	h.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	return &adminHarness{router: h.Routes(), rotator: rot, svc: svc}
}

func (h *adminHarness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(v))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (h *adminHarness) seed(t *testing.T) (panelID, accountID string) {
	t.Helper()
	ctx := context.Background()
	panel, err := h.svc.CreatePanel(ctx, model.CreatePanelParams{
		Name: "main", BaseURL: "https://panel.example.com", AdminUsername: "admin", AdminPasswordEnc: "pw", VerifyTLS: true,
	}, "test")
	require.NoError(t, err)
	hours := 6
	acc, err := h.svc.CreateAccount(ctx, model.CreateAccountParams{
		PanelID: panel.ID, RemoteUsername: "alice", IntervalHours: &hours,
	}, "test")
	require.NoError(t, err)
	return panel.ID, acc.ID
}

func TestAdminHandler_Panels(t *testing.T) {
	h := newAdminHarness(t)

	t.Run("creates panel without exposing the password", func(t *testing.T) {
		rec, body := h.do(t, http.MethodPost, "/api/panels", map[string]any{
			"name":          "edge",
			"baseUrl":       "edge.example.com/api",
			"adminUsername": "root",
			"adminPassword": "hunter2",
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "https://edge.example.com", body["baseUrl"])
		assert.Equal(t, true, body["verifyTls"])
		assert.NotContains(t, rec.Body.String(), "hunter2")
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		rec, body := h.do(t, http.MethodPost, "/api/panels", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(apperrors.ErrCodeValidation), body["code"])
	})

	t.Run("lists panels", func(t *testing.T) {
		rec, body := h.do(t, http.MethodGet, "/api/panels", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), body["total"])
	})

	t.Run("sets and clears default chat", func(t *testing.T) {
		panels, err := h.svc.ListPanels(context.Background())
		require.NoError(t, err)
		require.Len(t, panels, 1)
		path := "/api/panels/" + panels[0].ID + "/default-chat"

		rec, _ := h.do(t, http.MethodPut, path, map[string]any{"chatId": 1001})
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = h.do(t, http.MethodPut, path, `{"chatId": null}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = h.do(t, http.MethodPut, "/api/panels/missing/default-chat", map[string]any{"chatId": 1})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdminHandler_Accounts(t *testing.T) {
	h := newAdminHarness(t)
	panelID, accountID := h.seed(t)

	t.Run("never rotated account is due", func(t *testing.T) {
		rec, body := h.do(t, http.MethodGet, "/api/accounts/"+accountID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", body["remoteUsername"])
		assert.Equal(t, true, body["due"])
		assert.Nil(t, body["lastResetAt"])
		assert.Nil(t, body["lastError"])
	})

	t.Run("unknown account", func(t *testing.T) {
		rec, body := h.do(t, http.MethodGet, "/api/accounts/00000000-0000-0000-0000-000000000000", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(apperrors.ErrCodeNotFound), body["code"])
	})

	t.Run("duplicate account conflicts", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPost, "/api/accounts", map[string]any{
			"panelId": panelID, "remoteUsername": "alice",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("binds chat", func(t *testing.T) {
		rec, body := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/chat", map[string]any{"chatId": -100500})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(-100500), body["chatId"])
	})

	t.Run("chat field is required", func(t *testing.T) {
		rec, body := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/chat", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(apperrors.ErrCodeMissingRequired), body["code"])
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/interval", map[string]any{"intervalHours": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unschedules with null interval", func(t *testing.T) {
		rec, body := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/interval", `{"intervalHours": null}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, body["intervalHours"])
		assert.Nil(t, body["nextDueAt"])
		assert.Equal(t, false, body["due"])
	})

	t.Run("enabled must be a boolean", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/enabled", `{"enabled": null}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec, body := h.do(t, http.MethodPut, "/api/accounts/"+accountID+"/enabled", map[string]any{"enabled": false})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["enabled"])
	})

	t.Run("reports the last failure", func(t *testing.T) {
		h.rotator.failures[accountID] = jobs.FailureRecord{
			Code: apperrors.ErrCodeTransient, Message: "panel timeout", At: time.Unix(1_700_000_000, 0), Consecutive: 2,
		}
		rec, body := h.do(t, http.MethodGet, "/api/accounts?limit=10", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), body["total"])
		assert.Equal(t, float64(10), body["limit"])

		items := body["items"].([]any)
		require.Len(t, items, 1)
		lastErr := items[0].(map[string]any)["lastError"].(map[string]any)
		assert.Equal(t, "TRANSIENT", lastErr["code"])
		assert.Equal(t, float64(2), lastErr["consecutive"])
	})

	t.Run("deletes", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodDelete, "/api/accounts/"+accountID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = h.do(t, http.MethodDelete, "/api/accounts/"+accountID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdminHandler_Rotate(t *testing.T) {
	t.Run("returns the rotation result", func(t *testing.T) {
		h := newAdminHarness(t)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		h.rotator.result = model.RotationResult{
			Succeeded: true, RotatedAt: at, NextDueAt: at.Add(6 * time.Hour), Notified: true, NewLinks: []string{"vless://a", "vless://b"},
		}

		rec, body := h.do(t, http.MethodPost, "/api/accounts/acc-1/rotate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"acc-1"}, h.rotator.calls)
		assert.Equal(t, true, body["succeeded"])
		assert.Equal(t, "2026-01-02T03:04:05Z", body["rotatedAt"])
		assert.Equal(t, "2026-01-02T09:04:05Z", body["nextDueAt"])
		assert.Equal(t, float64(2), body["links"])
	})

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"in progress", apperrors.RotationInProgress(), http.StatusConflict},
		{"panel unreachable", apperrors.Transient("timeout", nil), http.StatusServiceUnavailable},
		{"panel rejected credentials", apperrors.Unauthorized("bad credentials"), http.StatusBadGateway},
		{"unknown account", apperrors.NotFound("Account"), http.StatusNotFound},
		{"store failure", apperrors.StoreFailure(nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newAdminHarness(t)
			h.rotator.err = tc.err

			rec, _ := h.do(t, http.MethodPost, "/api/accounts/acc-1/rotate", nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		db := new(mockPinger)
		db.On("Ping", mock.Anything).Return(nil)

		rec := httptest.NewRecorder()
		Health(db)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
		db.AssertExpectations(t)
	})

	t.Run("degraded", func(t *testing.T) {
		db := new(mockPinger)
		db.On("Ping", mock.Anything).Return(assert.AnError)

		rec := httptest.NewRecorder()
		Health(db)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "degraded")
		db.AssertExpectations(t)
	})
}
