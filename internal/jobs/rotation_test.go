package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
)

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	marks    []string
	markErr  error
	listErr  error
	findErr  error
}

func newFakeAccountStore(accounts ...*model.Account) *fakeAccountStore {
	s := &fakeAccountStore{accounts: make(map[string]*model.Account)}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeAccountStore) ListDue(_ context.Context, now time.Time) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []model.Account
	for _, a := range s.accounts {
		if a.IsDue(now) {
			due = append(due, *a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, _ := due[i].NextDueAt()
		dj, _ := due[j].NextDueAt()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (s *fakeAccountStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAccountStore) MarkRotated(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return apperrors.NotFound("Account")
	}
	ts := at.Unix()
	a.LastResetAt = &ts
	s.marks = append(s.marks, id)
	return nil
}

func (s *fakeAccountStore) remove(id string) {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
}

func (s *fakeAccountStore) get(id string) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

type fakePanelStore struct {
	panels map[string]*model.Panel
	err    error
}

func (s *fakePanelStore) FindByID(_ context.Context, id string) (*model.Panel, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.panels[id], nil
}

type fakeControlPlane struct {
	mu        sync.Mutex
	rotations []string
	rotateErr error
	linksErr  error
	onRotate  func(username string)

	current int32
	peak    int32
}

func (c *fakeControlPlane) Rotate(_ context.Context, _ *model.Panel, username string) (*model.RemoteUser, error) {
	n := atomic.AddInt32(&c.current, 1)
	defer atomic.AddInt32(&c.current, -1)
	for {
		p := atomic.LoadInt32(&c.peak)
		if n <= p || atomic.CompareAndSwapInt32(&c.peak, p, n) {
			break
		}
	}

	if c.onRotate != nil {
		c.onRotate(username)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rotateErr != nil {
		return nil, c.rotateErr
	}
	c.rotations = append(c.rotations, username)
	return &model.RemoteUser{Username: username, Status: "active"}, nil
}

func (c *fakeControlPlane) FetchLinks(_ context.Context, _ *model.Panel, user *model.RemoteUser) ([]string, error) {
	if c.linksErr != nil {
		return nil, c.linksErr
	}
	return []string{"vless://" + user.Username + "@h:443"}, nil
}

func (c *fakeControlPlane) FetchUsage(_ context.Context, _ *model.Panel, user *model.RemoteUser) (*model.UsageReport, error) {
	return &model.UsageReport{Username: user.Username, Status: user.Status}, nil
}

func (c *fakeControlPlane) rotated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rotations...)
}

type sentNotification struct {
	chatID int64
	msg    model.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, chatID int64, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{chatID: chatID, msg: msg})
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func scheduled(id string, hours int, last *time.Time, chatID *int64) *model.Account {
	a := &model.Account{
		ID:             id,
		PanelID:        "p1",
		RemoteUsername: id,
		IntervalHours:  &hours,
		ChatID:         chatID,
		Enabled:        true,
	}
	if last != nil {
		ts := last.Unix()
		a.LastResetAt = &ts
	}
	return a
}

func chat(v int64) *int64 { return &v }

type harness struct {
	job      *RotationJob
	accounts *fakeAccountStore
	panels   *fakePanelStore
	panel    *model.Panel
	client   *fakeControlPlane
	notifier *fakeNotifier
	now      time.Time
}

func newHarness(fanout int, accounts ...*model.Account) *harness {
	h := &harness{
		accounts: newFakeAccountStore(accounts...),
		panel:    &model.Panel{ID: "p1", Name: "main", BaseURL: "https://panel.example.com"},
		client:   &fakeControlPlane{},
		notifier: &fakeNotifier{},
		now:      t0,
	}
	h.panels = &fakePanelStore{panels: map[string]*model.Panel{"p1": h.panel}}
	h.job = NewRotationJob(
		h.accounts,
		h.panels,
		h.client,
		h.notifier,
		RotationJobConfig{Interval: time.Hour, Fanout: fanout, EscalationThreshold: 3, ShutdownTimeout: time.Second},
	)
	h.job.now = func() time.Time { return h.now }
	return h
}

func TestRotationJob_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates due account and records the reset", func(t *testing.T) {
		last := t0.Add(-7 * time.Hour)
		h := newHarness(5, scheduled("alice", 7, &last, chat(10)))

		report := h.job.Tick(ctx)
		assert.Equal(t, TickReport{Due: 1, Rotated: 1}, report)
		assert.Equal(t, []string{"alice"}, h.client.rotated())

		acc := h.accounts.get("alice")
		require.NotNil(t, acc.LastResetAt)
		assert.Equal(t, t0.Unix(), *acc.LastResetAt)

		require.Equal(t, 1, h.notifier.count())
		assert.Equal(t, int64(10), h.notifier.sent[0].chatID)
		assert.Contains(t, h.notifier.sent[0].msg.Text, "Reason: scheduled")
		require.NotNil(t, h.notifier.sent[0].msg.Document)
		assert.Equal(t, "configs_alice.txt", h.notifier.sent[0].msg.Document.FileName)
	})

	t.Run("account not yet due is left alone", func(t *testing.T) {
		last := t0.Add(-6*time.Hour - 59*time.Minute)
		h := newHarness(5, scheduled("alice", 7, &last, nil))

		report := h.job.Tick(ctx)
		assert.Equal(t, 0, report.Due)
		assert.Empty(t, h.client.rotated())
	})

	t.Run("client failure leaves last reset unchanged", func(t *testing.T) {
		last := t0.Add(-8 * time.Hour)
		h := newHarness(5, scheduled("alice", 7, &last, chat(10)))
		h.client.rotateErr = apperrors.Transient("panel unreachable", nil)

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Failed)

		acc := h.accounts.get("alice")
		assert.Equal(t, last.Unix(), *acc.LastResetAt)
		assert.True(t, acc.IsDue(t0))
		assert.Equal(t, 0, h.notifier.count())

		rec, ok := h.job.LastFailure("alice")
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeTransient, rec.Code)
		assert.Equal(t, 1, rec.Consecutive)

		h.job.Tick(ctx)
		h.job.Tick(ctx)
		rec, _ = h.job.LastFailure("alice")
		assert.Equal(t, 3, rec.Consecutive)

		h.client.rotateErr = nil
		h.job.Tick(ctx)
		_, ok = h.job.LastFailure("alice")
		assert.False(t, ok)
	})

	t.Run("notifier failure still marks rotated", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, chat(10)))
		h.notifier.err = apperrors.DestinationInvalid("chat not found", nil)

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Rotated)

		acc := h.accounts.get("alice")
		require.NotNil(t, acc.LastResetAt)
		assert.Equal(t, t0.Unix(), *acc.LastResetAt)
	})

	t.Run("falls back to panel default destination", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.panel.DefaultChatID = chat(1001)

		h.job.Tick(ctx)
		require.Equal(t, 1, h.notifier.count())
		assert.Equal(t, int64(1001), h.notifier.sent[0].chatID)
	})

	t.Run("no destination still records rotation", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Rotated)
		assert.Equal(t, 0, h.notifier.count())
		assert.Equal(t, []string{"alice"}, h.accounts.marks)
	})

	t.Run("links failure only degrades the report", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, chat(10)))
		h.client.linksErr = apperrors.Transient("timeout", nil)

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Rotated)
		require.Equal(t, 1, h.notifier.count())
		assert.Nil(t, h.notifier.sent[0].msg.Document)
	})

	t.Run("store failure after rotation raises alarm without notifying", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, chat(10)))
		h.accounts.markErr = errors.New("disk full")

		res := h.job.rotate(ctx, "alice", ReasonScheduled, false)
		assert.False(t, res.Succeeded)
		assert.Equal(t, apperrors.ErrCodeStoreFailure, res.ErrorKind)
		assert.Equal(t, []string{"alice"}, h.client.rotated())
		assert.Equal(t, 0, h.notifier.count())

		rec, ok := h.job.LastFailure("alice")
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeStoreFailure, rec.Code)
	})

	t.Run("failed write is retried without rotating again", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, chat(10)))
		h.accounts.markErr = errors.New("disk full")

		for i := 0; i < 3; i++ {
			report := h.job.Tick(ctx)
			assert.Equal(t, 1, report.Failed)
			h.now = h.now.Add(30 * time.Second)
		}
		assert.Equal(t, []string{"alice"}, h.client.rotated())
		assert.Equal(t, 0, h.notifier.count())

		h.accounts.markErr = nil
		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Rotated)
		assert.Equal(t, []string{"alice"}, h.client.rotated())

		acc := h.accounts.get("alice")
		require.NotNil(t, acc.LastResetAt)
		assert.Equal(t, t0.Unix(), *acc.LastResetAt)
		require.Equal(t, 1, h.notifier.count())
		assert.Contains(t, h.notifier.sent[0].msg.Text, "Reason: scheduled")
		require.NotNil(t, h.notifier.sent[0].msg.Document)

		_, ok := h.job.LastFailure("alice")
		assert.False(t, ok)

		h.now = h.now.Add(time.Minute)
		assert.Equal(t, 0, h.job.Tick(ctx).Due)
	})

	t.Run("pending write is dropped once the interval passes", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.accounts.markErr = errors.New("disk full")

		h.job.Tick(ctx)
		h.now = t0.Add(7 * time.Hour)
		h.job.Tick(ctx)
		assert.Equal(t, []string{"alice", "alice"}, h.client.rotated())
	})

	t.Run("manual rotation ignores a pending write", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.accounts.markErr = errors.New("disk full")

		h.job.Tick(ctx)
		h.accounts.markErr = nil
		h.now = t0.Add(time.Minute)

		res, err := h.job.RotateNow(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute), res.RotatedAt)
		assert.Equal(t, []string{"alice", "alice"}, h.client.rotated())
	})

	t.Run("account read failure is a recorded store failure", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.accounts.findErr = errors.New("database is locked")

		res := h.job.rotate(ctx, "alice", ReasonScheduled, false)
		assert.Equal(t, apperrors.ErrCodeStoreFailure, res.ErrorKind)
		assert.Empty(t, h.client.rotated())

		rec, ok := h.job.LastFailure("alice")
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeStoreFailure, rec.Code)
		assert.Equal(t, 0, rec.Consecutive)
	})

	t.Run("panel read failure is a recorded store failure", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.panels.err = errors.New("database is locked")

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Failed)
		assert.Empty(t, h.client.rotated())

		rec, ok := h.job.LastFailure("alice")
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeStoreFailure, rec.Code)
	})

	t.Run("account deleted during rotation is skipped silently", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, chat(10)))
		h.client.onRotate = func(string) { h.accounts.remove("alice") }

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, h.notifier.count())
	})

	t.Run("deleted account is skipped before rotating", func(t *testing.T) {
		h := newHarness(5)

		res := h.job.rotate(ctx, "ghost", ReasonScheduled, false)
		assert.True(t, res.Skipped)
		assert.Empty(t, h.client.rotated())
	})

	t.Run("list failure is reported", func(t *testing.T) {
		h := newHarness(5)
		h.accounts.listErr = errors.New("db down")

		report := h.job.Tick(ctx)
		assert.Error(t, report.Err)
	})

	t.Run("panic in one account does not affect others", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil), scheduled("bob", 7, nil, nil))
		h.client.onRotate = func(username string) {
			if username == "alice" {
				panic("boom")
			}
		}

		report := h.job.Tick(ctx)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 1, report.Rotated)
		assert.Equal(t, []string{"bob"}, h.client.rotated())

		rec, ok := h.job.LastFailure("alice")
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnknown, rec.Code)
	})
}

func TestRotationJob_ConcurrentTicksRotateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(5, scheduled("alice", 7, nil, nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.client.onRotate = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	first := make(chan TickReport, 1)
	go func() { first <- h.job.Tick(ctx) }()
	<-entered

	second := h.job.Tick(ctx)
	assert.Equal(t, 1, second.Skipped)

	close(release)
	assert.Equal(t, 1, (<-first).Rotated)
	assert.Equal(t, []string{"alice"}, h.client.rotated())
}

func TestRotationJob_FanoutBound(t *testing.T) {
	var accounts []*model.Account
	for _, id := range []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9"} {
		accounts = append(accounts, scheduled(id, 7, nil, nil))
	}
	h := newHarness(3, accounts...)
	h.client.onRotate = func(string) { time.Sleep(20 * time.Millisecond) }

	report := h.job.Tick(context.Background())
	assert.Equal(t, 10, report.Rotated)
	assert.LessOrEqual(t, atomic.LoadInt32(&h.client.peak), int32(3))
	assert.Len(t, h.client.rotated(), 10)
}

func TestRotationJob_OldestDueFirst(t *testing.T) {
	older := t0.Add(-20 * time.Hour)
	newer := t0.Add(-8 * time.Hour)
	h := newHarness(1,
		scheduled("late", 7, &newer, nil),
		scheduled("early", 7, &older, nil),
		scheduled("never", 7, nil, nil),
	)

	h.job.Tick(context.Background())
	assert.Equal(t, []string{"never", "early", "late"}, h.client.rotated())
}

func TestRotationJob_RotateNow(t *testing.T) {
	ctx := context.Background()

	t.Run("ignores due time", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, &t0, chat(10)))

		res, err := h.job.RotateNow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, res.Succeeded)
		assert.True(t, res.Notified)
		assert.Equal(t, t0.Add(7*time.Hour), res.NextDueAt)
		assert.Contains(t, h.notifier.sent[0].msg.Text, "Reason: manual")
	})

	t.Run("honours the in-progress guard", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		require.True(t, h.job.inflight.TryAcquire("alice"))
		defer h.job.inflight.Release("alice")

		_, err := h.job.RotateNow(ctx, "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRotationInProgress))
		assert.Empty(t, h.client.rotated())
	})

	t.Run("unknown account", func(t *testing.T) {
		h := newHarness(5)

		_, err := h.job.RotateNow(ctx, "ghost")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("rejected after stop", func(t *testing.T) {
		h := newHarness(5, scheduled("alice", 7, nil, nil))
		h.job.Stop()

		_, err := h.job.RotateNow(ctx, "alice")
		assert.True(t, apperrors.IsTransient(err))
	})
}

func TestRotationJob_StartStop(t *testing.T) {
	h := newHarness(5, scheduled("alice", 7, nil, nil))

	h.job.Start()
	h.job.Start()
	assert.Eventually(t, func() bool {
		return len(h.client.rotated()) == 1
	}, time.Second, 10*time.Millisecond)

	h.job.Stop()
	h.job.Stop()
}

func TestFailureTracker(t *testing.T) {
	tr := NewFailureTracker(2)
	transient := apperrors.Transient("timeout", nil)

	_, escalated := tr.RecordFailure("a", transient, t0)
	assert.False(t, escalated)
	rec, escalated := tr.RecordFailure("a", transient, t0)
	assert.True(t, escalated)
	assert.Equal(t, 2, rec.Consecutive)
	_, escalated = tr.RecordFailure("a", transient, t0)
	assert.False(t, escalated)

	rec, _ = tr.RecordFailure("a", fmt.Errorf("rotate: %w", transient), t0)
	assert.Equal(t, 4, rec.Consecutive)

	rec, _ = tr.RecordFailure("a", apperrors.Unauthorized("bad credentials"), t0)
	assert.Equal(t, 0, rec.Consecutive)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, rec.Code)

	tr.RecordSuccess("a")
	_, ok := tr.Last("a")
	assert.False(t, ok)
}
