package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/marzops/rotator/internal/audit"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/service"
)

const (
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
)

type AccountStore interface {
	ListDue(ctx context.Context, now time.Time) ([]model.Account, error)
	FindByID(ctx context.Context, id string) (*model.Account, error)
	MarkRotated(ctx context.Context, id string, at time.Time) error
}

type PanelStore interface {
	FindByID(ctx context.Context, id string) (*model.Panel, error)
}

type ControlPlane interface {
	Rotate(ctx context.Context, panel *model.Panel, username string) (*model.RemoteUser, error)
	FetchLinks(ctx context.Context, panel *model.Panel, user *model.RemoteUser) ([]string, error)
	FetchUsage(ctx context.Context, panel *model.Panel, user *model.RemoteUser) (*model.UsageReport, error)
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, msg model.Notification) error
}

type RotationJobConfig struct {
	Interval            time.Duration
	Fanout              int
	EscalationThreshold int
	ShutdownTimeout     time.Duration
	Location            *time.Location
}

type TickReport struct {
	Due     int
	Rotated int
	Failed  int
	Skipped int
	Err     error
}

// RotationJob polls for due accounts and rotates each one at most once at a
// time.
type RotationJob struct {
	accounts AccountStore
	panels   PanelStore
	client   ControlPlane
	notifier Notifier
	reports  *service.ReportBuilder
	failures *FailureTracker
	inflight *inflightSet
	pending  *pendingMarks

	interval        time.Duration
	fanout          int
	shutdownTimeout time.Duration
	now             func() time.Time

	mu       sync.Mutex
	started  bool
	stopping bool
	active   sync.WaitGroup
	done     chan struct{}
}

func NewRotationJob(
	accounts AccountStore,
	panels PanelStore,
	client ControlPlane,
	notifier Notifier,
	cfg RotationJobConfig,
) *RotationJob {
	if cfg.Fanout < 1 {
		cfg.Fanout = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &RotationJob{
		accounts:        accounts,
		panels:          panels,
		client:          client,
		notifier:        notifier,
		reports:         service.NewReportBuilder(cfg.Location),
		failures:        NewFailureTracker(cfg.EscalationThreshold),
		inflight:        newInflightSet(),
		pending:         newPendingMarks(),
		interval:        cfg.Interval,
		fanout:          cfg.Fanout,
		shutdownTimeout: cfg.ShutdownTimeout,
		now:             time.Now,
		done:            make(chan struct{}),
	}
}

func (j *RotationJob) Start() {
	j.mu.Lock()
	if j.started || j.stopping {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.active.Add(1)
	j.mu.Unlock()

	go j.run()
	log.Info().Dur("interval", j.interval).Int("fanout", j.fanout).Msg("rotation job started")
}

// Stop stops ticking and waits for in-flight rotations, bounded by the
// shutdown timeout. Safe to call more than once.
func (j *RotationJob) Stop() {
	j.mu.Lock()
	if j.stopping {
		j.mu.Unlock()
		return
	}
	j.stopping = true
	close(j.done)
	j.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		j.active.Wait()
		close(finished)
	}()

	if j.shutdownTimeout <= 0 {
		<-finished
		log.Info().Msg("rotation job stopped")
		return
	}

	select {
	case <-finished:
		log.Info().Msg("rotation job stopped")
	case <-time.After(j.shutdownTimeout):
		log.Warn().Int("inflight", j.inflight.Len()).Msg("rotation job stop timed out with rotations in flight")
	}
}

func (j *RotationJob) run() {
	defer j.active.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.tick()
		}
	}
}

// tick uses a context detached from shutdown: a rotation already sent to the
// panel must still get its last reset recorded.
func (j *RotationJob) tick() {
	report := j.Tick(context.Background())
	if report.Err != nil {
		return
	}
	if report.Due > 0 {
		log.Info().
			Int("due", report.Due).
			Int("rotated", report.Rotated).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("rotation tick finished")
	}
}

// Tick runs one scheduling pass: every due account is submitted once to the
// bounded pool, oldest-due first. One account's failure never affects the
// others.
func (j *RotationJob) Tick(ctx context.Context) TickReport {
	due, err := j.accounts.ListDue(ctx, j.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to list due accounts")
		return TickReport{Err: err}
	}

	report := TickReport{Due: len(due)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(j.fanout)

	seen := make(map[string]struct{}, len(due))
	for _, acc := range due {
		if _, dup := seen[acc.ID]; dup {
			continue
		}
		seen[acc.ID] = struct{}{}

		id := acc.ID
		g.Go(func() error {
			res := j.rotate(ctx, id, ReasonScheduled, false)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Skipped:
				report.Skipped++
			case res.Succeeded:
				report.Rotated++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// RotateNow rotates one account on operator request regardless of its due
// time. It fails with ROTATION_IN_PROGRESS when a rotation for the account is
// already running.
func (j *RotationJob) RotateNow(ctx context.Context, accountID string) (model.RotationResult, error) {
	j.mu.Lock()
	if j.stopping {
		j.mu.Unlock()
		return model.RotationResult{AccountID: accountID}, apperrors.Transient("scheduler is shutting down", nil)
	}
	j.active.Add(1)
	j.mu.Unlock()
	defer j.active.Done()

	res := j.rotate(context.WithoutCancel(ctx), accountID, ReasonManual, true)
	if !res.Succeeded {
		return res, res.Err
	}
	return res, nil
}

// LastFailure returns the most recent unresolved failure of an account.
func (j *RotationJob) LastFailure(accountID string) (FailureRecord, bool) {
	return j.failures.Last(accountID)
}

func (j *RotationJob) rotate(ctx context.Context, accountID, reason string, force bool) (res model.RotationResult) {
	res.AccountID = accountID

	if !j.inflight.TryAcquire(accountID) {
		log.Debug().Str("accountId", accountID).Msg("rotation already in progress, skipping")
		res.Skipped = true
		res.Err = apperrors.RotationInProgress()
		res.ErrorKind = apperrors.ErrCodeRotationInProgress
		return res
	}
	defer j.inflight.Release(accountID)

	defer func() {
		if r := recover(); r != nil {
			err := apperrors.Unknown(fmt.Sprintf("rotation panicked: %v", r), nil)
			log.Error().Str("accountId", accountID).Interface("panic", r).Msg("recovered panic in rotation")
			j.failures.RecordFailure(accountID, err, j.now())
			res = model.RotationResult{AccountID: accountID, Err: err, ErrorKind: apperrors.ErrCodeUnknown}
		}
	}()

	acc, err := j.accounts.FindByID(ctx, accountID)
	if err != nil {
		storeErr := apperrors.StoreFailure(err)
		log.Error().Err(err).Str("accountId", accountID).Str("code", string(storeErr.Code)).Msg("failed to load account")
		j.failures.RecordFailure(accountID, storeErr, j.now())
		return failed(res, storeErr)
	}
	if acc == nil {
		j.pending.Delete(accountID)
		res.Skipped = true
		res.Err = apperrors.NotFound("Account")
		res.ErrorKind = apperrors.ErrCodeNotFound
		return res
	}
	if !force && !acc.IsDue(j.now()) {
		res.Skipped = true
		return res
	}

	logger := log.With().
		Str("accountId", acc.ID).
		Str("panelId", acc.PanelID).
		Str("username", acc.RemoteUsername).
		Logger()

	panel, err := j.panels.FindByID(ctx, acc.PanelID)
	if err != nil {
		storeErr := apperrors.StoreFailure(err)
		j.recordFailure(logger, acc, storeErr)
		return failed(res, storeErr)
	}
	if panel == nil {
		err := apperrors.NotFound("Panel")
		j.recordFailure(logger, acc, err)
		return failed(res, err)
	}

	mark, retrying := j.pendingFor(acc, force)
	if retrying {
		logger.Info().Time("rotatedAt", mark.rotatedAt).Msg("recording earlier rotation without rotating again")
	} else {
		user, err := j.client.Rotate(ctx, panel, acc.RemoteUsername)
		if err != nil {
			j.recordFailure(logger, acc, err)
			return failed(res, err)
		}

		links, err := j.client.FetchLinks(ctx, panel, user)
		if err != nil {
			logger.Warn().Err(err).Str("code", string(apperrors.GetCode(err))).Msg("rotated but links unavailable")
		}
		usage, err := j.client.FetchUsage(ctx, panel, user)
		if err != nil {
			logger.Warn().Err(err).Str("code", string(apperrors.GetCode(err))).Msg("rotated but usage unavailable")
		}
		mark = pendingMark{rotatedAt: j.now(), reason: reason, links: links, usage: usage}
	}

	if err := j.accounts.MarkRotated(ctx, acc.ID, mark.rotatedAt); err != nil {
		if apperrors.IsNotFound(err) {
			j.pending.Delete(acc.ID)
			logger.Info().Msg("account deleted during rotation")
			res.Skipped = true
			res.Err = err
			res.ErrorKind = apperrors.ErrCodeNotFound
			return res
		}
		storeErr := apperrors.StoreFailure(err)
		logger.Error().
			Err(err).
			Str("alarm", "store_failure").
			Str("code", string(storeErr.Code)).
			Time("rotatedAt", mark.rotatedAt).
			Msg("remote rotation succeeded but last reset could not be recorded")
		j.pending.Put(acc.ID, mark)
		j.failures.RecordFailure(acc.ID, storeErr, j.now())
		return failed(res, storeErr)
	}

	j.pending.Delete(acc.ID)
	j.failures.RecordSuccess(acc.ID)

	res.Succeeded = true
	res.RotatedAt = mark.rotatedAt
	res.NewLinks = mark.links
	res.Usage = mark.usage
	if interval, ok := acc.Interval(); ok {
		res.NextDueAt = mark.rotatedAt.Add(interval)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRotationSuccess,
		AccountID: acc.ID,
		PanelID:   acc.PanelID,
		Details: map[string]interface{}{
			"reason":   mark.reason,
			"username": acc.RemoteUsername,
			"links":    len(mark.links),
		},
	})

	chatID, ok := destination(acc, panel)
	if !ok {
		logger.Warn().Msg("rotation completed without destination")
		return res
	}

	msg := j.reports.Build(service.ReportInput{
		Reason:    mark.reason,
		Now:       mark.rotatedAt,
		Account:   acc,
		Usage:     mark.usage,
		NextDueAt: res.NextDueAt,
		Links:     mark.links,
	})
	if err := j.notifier.Send(ctx, chatID, msg); err != nil {
		logger.Warn().
			Err(err).
			Int64("chatId", chatID).
			Str("code", string(apperrors.GetCode(err))).
			Msg("rotation notification failed")
		return res
	}
	res.Notified = true

	return res
}

// pendingFor returns an earlier rotation of acc still waiting for its last
// reset to be written. A manual rotation or an elapsed interval discards it.
func (j *RotationJob) pendingFor(acc *model.Account, force bool) (pendingMark, bool) {
	mark, ok := j.pending.Get(acc.ID)
	if !ok {
		return pendingMark{}, false
	}
	interval, scheduled := acc.Interval()
	if force || !scheduled || !j.now().Before(mark.rotatedAt.Add(interval)) {
		j.pending.Delete(acc.ID)
		return pendingMark{}, false
	}
	return mark, true
}

func (j *RotationJob) recordFailure(logger zerolog.Logger, acc *model.Account, err error) {
	rec, escalated := j.failures.RecordFailure(acc.ID, err, j.now())
	code := string(rec.Code)

	switch rec.Code {
	case apperrors.ErrCodeTransient:
		logger.Warn().Err(err).Str("code", code).Int("consecutive", rec.Consecutive).Msg("rotation failed, will retry next tick")
		if escalated {
			logger.Warn().Bool("degraded", true).Int("consecutive", rec.Consecutive).Msg("account rotation degraded")
		}
	default:
		logger.Error().Err(err).Str("code", code).Msg("rotation failed")
	}

	audit.Log(context.Background(), audit.Event{
		Type:      audit.EventRotationFailure,
		AccountID: acc.ID,
		PanelID:   acc.PanelID,
		Details: map[string]interface{}{
			"username": acc.RemoteUsername,
			"code":     code,
		},
	})
}

// destination picks the account's chat, then the panel default.
func destination(acc *model.Account, panel *model.Panel) (int64, bool) {
	if acc.ChatID != nil {
		return *acc.ChatID, true
	}
	if panel != nil && panel.DefaultChatID != nil {
		return *panel.DefaultChatID, true
	}
	return 0, false
}

func failed(res model.RotationResult, err error) model.RotationResult {
	res.Err = err
	res.ErrorKind = apperrors.GetCode(err)
	return res
}
