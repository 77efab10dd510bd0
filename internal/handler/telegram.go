package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v4"

	"github.com/marzops/rotator/internal/audit"
	"github.com/marzops/rotator/internal/config"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
	"github.com/marzops/rotator/internal/service"
)

const (
	telegramActorPrefix = "telegram:"
	statusListLimit     = 30
	statusTimeLayout    = "2006-01-02 15:04 MST"
	scheduleAllPageSize = 100
	reasonLinks         = "links requested"
)

const helpText = `Commands:
/start [panel] - use this chat as the default report destination
/whoami - show user_id/chat_id
/links <account|username> - send links + usage report
/bind <account|username> [chat_id] - where to send rotation reports
/unbind <account|username> - remove binding
/status [account|username] - schedule status
/revoke <account|username> - rotate now and send new links
/schedule <account|username> <hours> - rotate every N hours
/schedule_all <hours> [search] - schedule all accounts
/unschedule <account|username> - stop scheduled rotation`

var commandNames = []string{
	"/start", "/help", "/whoami", "/links", "/bind", "/unbind", "/status",
	"/revoke", "/schedule", "/schedule_all", "/unschedule",
}

// RemoteUsers reads a user's current state from its panel without rotating.
type RemoteUsers interface {
	FetchUser(ctx context.Context, panel *model.Panel, username string) (*model.RemoteUser, error)
	FetchLinks(ctx context.Context, panel *model.Panel, user *model.RemoteUser) ([]string, error)
	FetchUsage(ctx context.Context, panel *model.Panel, user *model.RemoteUser) (*model.UsageReport, error)
}

type ReportSender interface {
	Send(ctx context.Context, chatID int64, msg model.Notification) error
}

// CommandRequest is the part of an incoming Telegram message the commands use.
type CommandRequest struct {
	UserID int64
	ChatID int64
	Args   []string
}

type commandFunc func(ctx context.Context, req CommandRequest) (string, error)

// TelegramCommands answers operator commands sent to the bot. Only /whoami and
// /help are open to everyone.
type TelegramCommands struct {
	accounts *service.AccountService
	rotator  Rotator
	remote   RemoteUsers
	sender   ReportSender
	reports  *service.ReportBuilder
	admins   map[int64]struct{}
	loc      *time.Location
	now      func() time.Time
	commands map[string]commandFunc
}

func NewTelegramCommands(
	accounts *service.AccountService,
	rotator Rotator,
	remote RemoteUsers,
	sender ReportSender,
	adminIDs []int64,
	loc *time.Location,
) *TelegramCommands {
	if loc == nil {
		loc = time.UTC
	}
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}

	c := &TelegramCommands{
		accounts: accounts,
		rotator:  rotator,
		remote:   remote,
		sender:   sender,
		reports:  service.NewReportBuilder(loc),
		admins:   admins,
		loc:      loc,
		now:      time.Now,
	}
	c.commands = map[string]commandFunc{
		"/start":        c.start,
		"/links":        c.links,
		"/bind":         c.bind,
		"/unbind":       c.unbind,
		"/status":       c.status,
		"/revoke":       c.revoke,
		"/schedule":     c.schedule,
		"/schedule_all": c.scheduleAll,
		"/unschedule":   c.unschedule,
	}
	return c
}

// Register installs a handler per command on the bot. An empty reply sends
// nothing.
func (c *TelegramCommands) Register(bot *tele.Bot) {
	for _, name := range commandNames {
		command := name
		bot.Handle(command, func(tc tele.Context) error {
			req := requestFrom(tc)

			ctx, cancel := context.WithTimeout(context.Background(), config.ServerRequestTimeout)
			defer cancel()

			reply := c.Execute(ctx, command, req)
			for _, chunk := range service.SplitMessage(reply, service.MaxMessageRunes) {
				if err := tc.Send(chunk); err != nil {
					log.Warn().Err(err).Str("command", command).Int64("chatId", req.ChatID).Msg("command reply failed")
					return nil
				}
			}
			return nil
		})
	}
}

// Execute runs one command and returns the reply text. Errors are rendered
// into the reply.
func (c *TelegramCommands) Execute(ctx context.Context, command string, req CommandRequest) string {
	switch command {
	case "/whoami":
		return fmt.Sprintf("user_id=%d\nchat_id=%d", req.UserID, req.ChatID)
	case "/help":
		return helpText
	}

	fn, ok := c.commands[command]
	if !ok {
		return "Unknown command. Use /help."
	}
	if !c.isAdmin(req.UserID) {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventAuthFailure,
			Actor:   actorFor(req),
			Details: map[string]interface{}{"command": command, "chat_id": req.ChatID},
		})
		return "Not authorized."
	}

	reply, err := fn(ctx, req)
	if err != nil {
		return errorReply(command, err)
	}
	return reply
}

func (c *TelegramCommands) isAdmin(userID int64) bool {
	_, ok := c.admins[userID]
	return ok
}

// start makes the current chat the default destination of every panel, or of
// the panel named in the first argument.
func (c *TelegramCommands) start(ctx context.Context, req CommandRequest) (string, error) {
	panels, err := c.accounts.ListPanels(ctx)
	if err != nil {
		return "", err
	}
	if len(req.Args) > 0 {
		panels = matchPanels(panels, req.Args[0])
		if len(panels) == 0 {
			return "", apperrors.NotFound("Panel")
		}
	}
	if len(panels) == 0 {
		return "No panels configured.", nil
	}

	chatID := req.ChatID
	for _, p := range panels {
		if err := c.accounts.SetPanelDefaultChat(ctx, p.ID, &chatID, actorFor(req)); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Default chat saved: chat_id=%d (%d panel(s)).\nUse /help for commands.", chatID, len(panels)), nil
}

// links sends the current report and links document of every matching
// account to this chat. Only failures are answered in text.
func (c *TelegramCommands) links(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /links <account|username>", nil
	}
	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}

	var failures []string
	for _, acc := range accounts {
		if err := c.sendReport(ctx, req.ChatID, acc); err != nil {
			log.Warn().Err(err).Str("accountId", acc.ID).Int64("chatId", req.ChatID).Msg("links report failed")
			failures = append(failures, fmt.Sprintf("%s: failed (%s)", acc.RemoteUsername, apperrors.GetCode(err)))
		}
	}
	return strings.Join(failures, "\n"), nil
}

func (c *TelegramCommands) sendReport(ctx context.Context, chatID int64, acc model.Account) error {
	panel, err := c.accounts.GetPanel(ctx, acc.PanelID)
	if err != nil {
		return err
	}
	user, err := c.remote.FetchUser(ctx, panel, acc.RemoteUsername)
	if err != nil {
		return err
	}
	links, err := c.remote.FetchLinks(ctx, panel, user)
	if err != nil {
		log.Debug().Err(err).Str("accountId", acc.ID).Msg("links unavailable")
	}
	usage, err := c.remote.FetchUsage(ctx, panel, user)
	if err != nil {
		log.Debug().Err(err).Str("accountId", acc.ID).Msg("usage unavailable")
	}

	in := service.ReportInput{
		Reason:  reasonLinks,
		Now:     c.now(),
		Account: &acc,
		Usage:   usage,
		Links:   links,
	}
	if next, ok := acc.NextDueAt(); ok && !next.IsZero() {
		in.NextDueAt = next
	}
	return c.sender.Send(ctx, chatID, c.reports.Build(in))
}

func (c *TelegramCommands) bind(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /bind <account|username> [chat_id]", nil
	}
	chatID := req.ChatID
	if len(req.Args) >= 2 {
		parsed, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return "chat_id must be an integer", nil
		}
		chatID = parsed
	}

	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	if err := c.accounts.BindChatMany(ctx, accountIDs(accounts), &chatID, actorFor(req)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Bound %s -> chat_id=%d (%d account(s))", req.Args[0], chatID, len(accounts)), nil
}

func (c *TelegramCommands) unbind(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /unbind <account|username>", nil
	}
	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	if err := c.accounts.BindChatMany(ctx, accountIDs(accounts), nil, actorFor(req)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unbound %s (%d account(s))", req.Args[0], len(accounts)), nil
}

func (c *TelegramCommands) schedule(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) < 2 {
		return "Usage: /schedule <account|username> <hours>", nil
	}
	hours, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return "hours must be an integer", nil
	}
	if hours <= 0 {
		return "hours must be > 0", nil
	}

	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	for _, acc := range accounts {
		if err := c.accounts.SetInterval(ctx, acc.ID, &hours, actorFor(req)); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Scheduled %s every %dh (%d account(s))", req.Args[0], hours, len(accounts)), nil
}

// scheduleAll sets the interval of every account, or of those whose username
// contains the search text.
func (c *TelegramCommands) scheduleAll(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /schedule_all <hours> [search]", nil
	}
	hours, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return "hours must be an integer", nil
	}
	if hours <= 0 {
		return "hours must be > 0", nil
	}
	search := strings.ToLower(strings.TrimSpace(strings.Join(req.Args[1:], " ")))

	scheduled := 0
	for offset := 0; ; offset += scheduleAllPageSize {
		page, total, err := c.accounts.ListAccounts(ctx, scheduleAllPageSize, offset)
		if err != nil {
			return "", err
		}
		for _, acc := range page {
			if search != "" && !strings.Contains(strings.ToLower(acc.RemoteUsername), search) {
				continue
			}
			if err := c.accounts.SetInterval(ctx, acc.ID, &hours, actorFor(req)); err != nil {
				return "", err
			}
			scheduled++
		}
		if len(page) < scheduleAllPageSize || offset+len(page) >= total {
			break
		}
	}
	return fmt.Sprintf("Scheduled %d account(s) every %dh", scheduled, hours), nil
}

func (c *TelegramCommands) unschedule(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /unschedule <account|username>", nil
	}
	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	for _, acc := range accounts {
		if err := c.accounts.SetInterval(ctx, acc.ID, nil, actorFor(req)); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Schedule disabled for %s", req.Args[0]), nil
}

// revoke rotates every matching account. The report goes to the bound
// destination like a scheduled rotation.
func (c *TelegramCommands) revoke(ctx context.Context, req CommandRequest) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /revoke <account|username>", nil
	}
	accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
	if err != nil {
		return "", err
	}

	lines := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		audit.Log(ctx, audit.Event{Type: audit.EventManualRotate, Actor: actorFor(req), AccountID: acc.ID, PanelID: acc.PanelID})

		res, err := c.rotator.RotateNow(ctx, acc.ID)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s: failed (%s)", acc.RemoteUsername, apperrors.GetCode(err)))
			continue
		}
		line := fmt.Sprintf("%s: rotated, %d link(s)", acc.RemoteUsername, len(res.NewLinks))
		if !res.Notified {
			line += ", report not delivered"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (c *TelegramCommands) status(ctx context.Context, req CommandRequest) (string, error) {
	now := c.now()

	if len(req.Args) > 0 {
		accounts, err := c.accounts.ResolveAccounts(ctx, req.Args[0])
		if err != nil {
			if apperrors.IsNotFound(err) {
				return "No schedule.", nil
			}
			return "", err
		}
		blocks := make([]string, 0, len(accounts))
		for _, acc := range accounts {
			blocks = append(blocks, c.describe(acc, now))
		}
		return strings.Join(blocks, "\n\n"), nil
	}

	accounts, total, err := c.accounts.ListAccounts(ctx, statusListLimit, 0)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "No schedules.", nil
	}
	lines := make([]string, 0, len(accounts)+1)
	for _, acc := range accounts {
		lines = append(lines, c.summarize(acc, now))
	}
	if total > len(accounts) {
		lines = append(lines, fmt.Sprintf("... and %d more", total-len(accounts)))
	}
	return strings.Join(lines, "\n"), nil
}

func (c *TelegramCommands) describe(acc model.Account, now time.Time) string {
	lines := []string{
		acc.RemoteUsername,
		"id=" + acc.ID,
		fmt.Sprintf("enabled=%t", acc.Enabled),
		"interval_hours=" + intervalLabel(acc),
		"next=" + c.nextLabel(acc, now),
		"chat_id=" + chatLabel(acc.ChatID),
	}
	if last := acc.LastReset(); last != nil {
		lines = append(lines, "last_reset="+last.In(c.loc).Format(statusTimeLayout))
	}
	if rec, ok := c.rotator.LastFailure(acc.ID); ok {
		lines = append(lines, fmt.Sprintf("last_error=%s: %s (x%d at %s)",
			rec.Code, rec.Message, rec.Consecutive, rec.At.In(c.loc).Format(statusTimeLayout)))
	}
	return strings.Join(lines, "\n")
}

func (c *TelegramCommands) summarize(acc model.Account, now time.Time) string {
	state := "on"
	if !acc.Enabled {
		state = "off"
	}
	line := fmt.Sprintf("%s: %s; %sh; next %s", acc.RemoteUsername, state, intervalLabel(acc), c.nextLabel(acc, now))
	if rec, ok := c.rotator.LastFailure(acc.ID); ok {
		line += "; error " + string(rec.Code)
	}
	return line
}

func (c *TelegramCommands) nextLabel(acc model.Account, now time.Time) string {
	next, ok := acc.NextDueAt()
	switch {
	case !ok:
		return "-"
	case acc.IsDue(now):
		return "now"
	default:
		return next.In(c.loc).Format(statusTimeLayout)
	}
}

func intervalLabel(acc model.Account) string {
	if acc.IntervalHours == nil {
		return "-"
	}
	return strconv.Itoa(*acc.IntervalHours)
}

func chatLabel(chatID *int64) string {
	if chatID == nil {
		return "-"
	}
	return strconv.FormatInt(*chatID, 10)
}

func matchPanels(panels []model.Panel, ref string) []model.Panel {
	ref = strings.TrimSpace(ref)
	var out []model.Panel
	for _, p := range panels {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			out = append(out, p)
		}
	}
	return out
}

func accountIDs(accounts []model.Account) []string {
	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	return ids
}

func actorFor(req CommandRequest) string {
	return telegramActorPrefix + strconv.FormatInt(req.UserID, 10)
}

func errorReply(command string, err error) string {
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		log.Error().Err(err).Str("command", command).Msg("telegram command failed")
		return "Unhandled error. Check logs."
	}
	return appErr.Message
}

func requestFrom(tc tele.Context) CommandRequest {
	req := CommandRequest{Args: tc.Args()}
	if sender := tc.Sender(); sender != nil {
		req.UserID = sender.ID
	}
	if chat := tc.Chat(); chat != nil {
		req.ChatID = chat.ID
	}
	return req
}
