// Package telegram publishes anomaly, verification and compliance events to a
// Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/fairoracle/internal/events"
	"github.com/rewired-gh/fairoracle/internal/models"
)

// Client sends events to one chat. It implements events.Publisher.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a failed run.
func (c *Client) SendError(ctx context.Context, runErr error) error {
	text := fmt.Sprintf("⚠️ *Fair oracle error*\n`%s`", escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// Publish sends one event. Events without a known payload are ignored.
func (c *Client) Publish(ctx context.Context, e events.Event) error {
	text := formatEvent(e)
	if text == "" {
		return nil
	}
	return c.sendMarkdownV2(ctx, text)
}

var severityEmoji = map[models.Severity]string{
	models.SeverityNone:     "✅",
	models.SeverityInfo:     "ℹ️",
	models.SeverityWarning:  "⚠️",
	models.SeverityCritical: "🚨",
}

// formatEvent renders an event as a Telegram MarkdownV2 message.
func formatEvent(e events.Event) string {
	var b strings.Builder
	header := func(title string) {
		fmt.Fprintf(&b, "%s *%s* \\(%s\\)\n", severityEmoji[e.Severity], escapeMarkdownV2(title), e.Severity)
		fmt.Fprintf(&b, "📅 %s\n\n", escapeMarkdownV2(e.OccurredAt.UTC().Format("2006-01-02 15:04:05")))
	}

	switch p := e.Payload.(type) {
	case events.AnomalyPayload:
		header(anomalyTitle(p.AnomalyType))
		fmt.Fprintf(&b, "Session: `%s`\n", escapeMarkdownV2(p.SessionID))
		if p.UserID != "" || p.CasinoID != "" {
			fmt.Fprintf(&b, "Player: %s @ %s\n", escapeMarkdownV2(p.UserID), escapeMarkdownV2(p.CasinoID))
		}
		fmt.Fprintf(&b, "Confidence: %s\n", escapeMarkdownV2(fmt.Sprintf("%.0f%%", p.Confidence*100)))
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdownV2(p.Reason))

	case events.MismatchPayload:
		header("Provably-fair verification failed")
		fmt.Fprintf(&b, "Archive: `%s`", escapeMarkdownV2(p.ArchiveID))
		if p.CasinoID != "" {
			fmt.Fprintf(&b, " @ %s", escapeMarkdownV2(p.CasinoID))
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Mismatched: *%d* of %d bets\n", p.Mismatched, p.Total)
		if p.Unverifiable > 0 {
			fmt.Fprintf(&b, "Unverifiable: %d\n", p.Unverifiable)
		}
		fmt.Fprintf(&b, "RTP claimed %s vs expected %s\n",
			escapeMarkdownV2(fmt.Sprintf("%.2f%%", p.ClaimedRTP*100)),
			escapeMarkdownV2(fmt.Sprintf("%.2f%%", p.ExpectedRTP*100)))
		for i, a := range p.Anomalies {
			if i == 5 {
				fmt.Fprintf(&b, "… and %d more\n", len(p.Anomalies)-i)
				break
			}
			fmt.Fprintf(&b, "%d\\. %s %s\n", i+1, escapeMarkdownV2(string(a.Type)), escapeMarkdownV2(a.Message))
		}

	case events.CompliancePayload:
		res := p.Result
		header("Compliance flags raised")
		fmt.Fprintf(&b, "Jurisdiction: %s / %s\n", escapeMarkdownV2(res.Context.StateCode), escapeMarkdownV2(string(res.Context.Topic)))
		fmt.Fprintf(&b, "Risk score: *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.0f", res.RiskScore)))
		flags := append([]models.ComplianceFlag(nil), res.Flags...)
		sort.SliceStable(flags, func(i, j int) bool { return flags[i].Severity > flags[j].Severity })
		for _, f := range flags {
			fmt.Fprintf(&b, "%s `%s` %s\n", severityEmoji[f.Severity], escapeMarkdownV2(string(f.Code)), escapeMarkdownV2(f.Message))
		}

	default:
		return ""
	}
	return b.String()
}

func anomalyTitle(t models.AnomalyType) string {
	switch t {
	case models.AnomalyPump:
		return "RTP pump detected"
	case models.AnomalyDump:
		return "RTP dump detected"
	case models.AnomalyEscalation:
		return "Bet escalation detected"
	case models.AnomalyWinClustering:
		return "Win clustering detected"
	case models.AnomalyVolatilityCompression:
		return "Volatility compression detected"
	}
	return string(t) + " detected"
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
