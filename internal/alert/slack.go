package alert

import (
	"context"
	"fmt"
	"strings"

	slacklib "github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of the Slack client used by SlackAlerter.
// This allows testing without real HTTP calls.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackAlerter posts alerts to a fixed Slack channel.
type SlackAlerter struct {
	api     SlackAPI
	channel string
}

var _ Alerter = (*SlackAlerter)(nil) //nolint:gochecknoglobals // compile-time check

func NewSlackAlerter(api SlackAPI, channel string) *SlackAlerter {
	return &SlackAlerter{api: api, channel: channel}
}

func (s *SlackAlerter) Alert(ctx context.Context, a Alert) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slacklib.MsgOptionText(fallbackText(a), false),
		slacklib.MsgOptionBlocks(BuildAlertBlocks(a)...),
	)
	if err != nil {
		return fmt.Errorf("alert.SlackAlerter.Alert: %w", err)
	}
	return nil
}

// BuildAlertBlocks renders an alert as Slack Block Kit blocks: a header
// section followed by one field per alert field.
func BuildAlertBlocks(a Alert) []slacklib.Block {
	header := fmt.Sprintf("%s *%s*\n%s", severityEmoji(a.Severity), a.Title, a.Text)
	section := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, header, false, false),
		nil,
		nil,
	)
	if len(a.Fields) == 0 {
		return []slacklib.Block{section}
	}

	fields := make([]*slacklib.TextBlockObject, 0, len(a.Fields))
	for _, k := range a.SortedKeys() {
		fields = append(fields, slacklib.NewTextBlockObject(
			slacklib.MarkdownType, fmt.Sprintf("*%s:*\n`%s`", k, a.Fields[k]), false, false))
	}
	return []slacklib.Block{section, slacklib.NewSectionBlock(nil, fields, nil)}
}

func fallbackText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", a.Severity, a.Title, a.Text)
	for _, k := range a.SortedKeys() {
		fmt.Fprintf(&b, " %s=%s", k, a.Fields[k])
	}
	return b.String()
}

func severityEmoji(s Severity) string {
	if s == SeverityCritical {
		return ":rotating_light:"
	}
	return ":warning:"
}
