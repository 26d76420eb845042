package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "autopost/pkg/logx"
)

// LogChannel writes notifications to the structured log.
type LogChannel struct{ Log logx.Logger }

func (LogChannel) Name() string { return "log" }

func (c LogChannel) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("severity", string(n.Severity)),
		logx.String("title", n.Title),
		logx.String("message", n.Message),
	}
	switch n.Severity {
	case SeverityError:
		c.Log.Error("notification", fields...)
	case SeverityWarning:
		c.Log.Warn("notification", fields...)
	default:
		c.Log.Info("notification", fields...)
	}
	return nil
}

// FileChannel writes one JSON document per notification into Dir, named
// <kind>_<unix>.json, for front ends that poll a directory.
type FileChannel struct{ Dir string }

func (FileChannel) Name() string { return "file" }

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (c FileChannel) Send(_ context.Context, n Notification) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	kind := n.Kind
	if kind == "" {
		kind = string(n.Severity)
	}
	kind = strings.Trim(unsafeName.ReplaceAllString(kind, "_"), "_")
	name := fmt.Sprintf("%s_%d.json", kind, n.Time.UnixNano())

	b, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.Dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.Dir, name))
}

// WebhookChannel POSTs the notification as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (WebhookChannel) Name() string { return "webhook" }

func (c WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// TelegramSender is the subset of *tele.Bot the channel needs.
type TelegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramChannel sends notifications to a chat (optionally a forum topic).
type TelegramChannel struct {
	Bot      TelegramSender
	ChatID   int64
	ThreadID int
	// MinSeverity filters out lower-severity notifications.
	MinSeverity Severity
}

// NewTelegramChannel builds a send-only bot (no long polling). The bot is
// offline: no getMe round trip happens until the first send.
func NewTelegramChannel(token string, chatID int64, threadID int, minSeverity Severity) (*TelegramChannel, error) {
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramChannel{Bot: b, ChatID: chatID, ThreadID: threadID, MinSeverity: minSeverity}, nil
}

func (*TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(_ context.Context, n Notification) error {
	if n.Severity.Rank() < c.MinSeverity.Rank() {
		return nil
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              c.ThreadID,
	}
	_, err := c.Bot.Send(&tele.Chat{ID: c.ChatID}, FormatText(n), opts)
	return err
}

// FormatText renders n as short HTML for chat transports.
func FormatText(n Notification) string {
	var b strings.Builder
	switch n.Severity {
	case SeverityError:
		b.WriteString("🚨 ")
	case SeverityWarning:
		b.WriteString("⚠️ ")
	default:
		b.WriteString("ℹ️ ")
	}
	b.WriteString("<b>")
	b.WriteString(escapeHTML(n.Title))
	b.WriteString("</b>")
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(escapeHTML(n.Message))
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
