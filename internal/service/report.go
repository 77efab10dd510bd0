package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/marzops/rotator/internal/model"
)

const reportTimeLayout = "2006-01-02 15:04:05 MST"

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders a byte count with binary units, e.g. "1.50 GB".
func FormatBytes(n int64) string {
	if n < 0 {
		return fmt.Sprint(n)
	}
	value := float64(n)
	unit := byteUnits[0]
	for _, unit = range byteUnits {
		if value < 1024 || unit == byteUnits[len(byteUnits)-1] {
			break
		}
		value /= 1024
	}
	if unit == "B" {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.2f %s", value, unit)
}

type ReportInput struct {
	Reason    string
	Now       time.Time
	Account   *model.Account
	Usage     *model.UsageReport
	NextDueAt time.Time
	Links     []string
}

// ReportBuilder renders rotation notifications in a fixed timezone.
type ReportBuilder struct {
	loc *time.Location
}

func NewReportBuilder(loc *time.Location) *ReportBuilder {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportBuilder{loc: loc}
}

func (b *ReportBuilder) Build(in ReportInput) model.Notification {
	n := model.Notification{Text: b.Text(in)}
	if len(in.Links) > 0 {
		n.Document = b.LinksDocument(in)
	}
	return n
}

func (b *ReportBuilder) Text(in ReportInput) string {
	username := "-"
	if in.Account != nil {
		username = in.Account.RemoteUsername
	}
	status := "-"
	var used int64
	var limit *int64
	var created, expire, subUpdated *time.Time
	if u := in.Usage; u != nil {
		if u.Username != "" {
			username = u.Username
		}
		if u.Status != "" {
			status = u.Status
		}
		used, limit = u.UsedTraffic, u.DataLimit
		created, expire, subUpdated = u.CreatedAt, u.ExpireAt, u.SubUpdatedAt
	}

	traffic := FormatBytes(used) + " / -"
	if limit != nil && *limit > 0 {
		pct := float64(used) / float64(*limit) * 100
		traffic = fmt.Sprintf("%s / %s (%.1f%%)", FormatBytes(used), FormatBytes(*limit), pct)
	}

	lines := []string{
		"Reason: " + in.Reason,
		"Time: " + b.formatTime(&in.Now),
		"Username: " + username,
		"Status: " + status,
		"Traffic: " + traffic,
		"Created: " + b.formatTime(created),
		"Expire: " + b.formatTime(expire),
		"Sub updated: " + b.formatTime(subUpdated),
	}

	if !in.NextDueAt.IsZero() {
		line := "Next reset: " + b.formatTime(&in.NextDueAt)
		if in.Account != nil && in.Account.IntervalHours != nil {
			line += fmt.Sprintf(" (every %dh)", *in.Account.IntervalHours)
		}
		lines = append(lines, line)
	}

	if in.Usage != nil && len(in.Usage.Nodes) > 0 {
		lines = append(lines, "Node usage:")
		for i, node := range in.Usage.Nodes {
			if i >= maxNodeUsageLines {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", node.Name, FormatBytes(node.UsedTraffic)))
		}
	}

	return strings.Join(lines, "\n")
}

// LinksDocument builds configs_<username>.txt: a key=value header, a blank
// line, then one link per line.
func (b *ReportBuilder) LinksDocument(in ReportInput) *model.Document {
	username := "user"
	if in.Account != nil && in.Account.RemoteUsername != "" {
		username = in.Account.RemoteUsername
	}

	header := []string{
		"username=" + username,
		"generated_at=" + b.formatTime(&in.Now),
	}
	if !in.NextDueAt.IsZero() {
		header = append(header, "next_reset_at="+b.formatTime(&in.NextDueAt))
	}
	if in.Usage != nil && strings.TrimSpace(in.Usage.SubscriptionURL) != "" {
		header = append(header, "subscription_url="+strings.TrimSpace(in.Usage.SubscriptionURL))
	}

	content := strings.Join(header, "\n") + "\n\n" + strings.Join(in.Links, "\n") + "\n"
	return &model.Document{
		FileName: fmt.Sprintf("configs_%s.txt", username),
		Content:  []byte(content),
	}
}

func (b *ReportBuilder) formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(b.loc).Format(reportTimeLayout)
}
