package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/fairoracle/internal/events"
	"github.com/rewired-gh/fairoracle/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// NewClient with non-numeric chatID should return an error
	// Note: This test exercises the chat ID parsing error path
	// The bot token validation happens first (network call), so we use a clearly
	// invalid format to test the error handling flow
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatEvent_Anomaly(t *testing.T) {
	e := events.NewAnomalyEvent(models.AnomalyResult{
		Type:       models.AnomalyPump,
		Severity:   models.SeverityCritical,
		Confidence: 0.75,
		Reason:     "RTP 130.0% over the last 200 spins",
		SessionID:  "sess-1",
		UserID:     "user_1",
		CasinoID:   "stake",
	})
	msg := formatEvent(e)

	for _, want := range []string{
		"🚨 *RTP pump detected* \\(critical\\)",
		"Session: `sess\\-1`",
		"Player: user\\_1 @ stake",
		"Confidence: 75%",
		"RTP 130\\.0% over the last 200 spins",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message lacks %q:\n%s", want, msg)
		}
	}
}

func TestFormatEvent_Mismatch(t *testing.T) {
	res := &models.BatchVerificationResult{Total: 100, Mismatched: 7, ClaimedRTP: 0.99, ExpectedRTP: 0.96}
	for i := range 7 {
		res.Anomalies = append(res.Anomalies, models.VerificationAnomaly{
			Index:    i,
			Type:     models.VerificationResultMismatch,
			Severity: models.SeverityCritical,
			Message:  "claimed 12.00, calculated 87.31",
		})
	}
	msg := formatEvent(events.NewMismatchEvent("01HX", "stake", res))

	if !strings.Contains(msg, "Mismatched: *7* of 100 bets") {
		t.Errorf("missing counts:\n%s", msg)
	}
	if !strings.Contains(msg, "RTP claimed 99\\.00% vs expected 96\\.00%") {
		t.Errorf("missing RTP line:\n%s", msg)
	}
	if !strings.Contains(msg, "5\\. result\\_mismatch") || strings.Contains(msg, "6\\. result") {
		t.Errorf("expected exactly five listed anomalies:\n%s", msg)
	}
	if !strings.Contains(msg, "and 2 more") {
		t.Errorf("missing overflow line:\n%s", msg)
	}
}

func TestFormatEvent_ComplianceOrdersBySeverity(t *testing.T) {
	e := events.NewComplianceEvent(events.CompliancePayload{Result: models.GameplayComplianceResult{
		Context:         models.GameplayComplianceContext{StateCode: "NJ", Topic: models.TopicIGaming},
		OverallSeverity: models.SeverityCritical,
		RiskScore:       62,
		Flags: []models.ComplianceFlag{
			{Code: models.FlagRTPOutlier, Severity: models.SeverityWarning, Message: "rtp"},
			{Code: models.FlagProvablyFairMismatch, Severity: models.SeverityCritical, Message: "mismatch"},
		},
	}})
	msg := formatEvent(e)

	critical := strings.Index(msg, "PROVABLY\\_FAIR\\_MISMATCH")
	warning := strings.Index(msg, "RTP\\_OUTLIER")
	if critical < 0 || warning < 0 || critical > warning {
		t.Errorf("critical flag should come first:\n%s", msg)
	}
	if !strings.Contains(msg, "Risk score: *62*") {
		t.Errorf("missing risk score:\n%s", msg)
	}
}

func TestFormatEvent_UnknownPayload(t *testing.T) {
	if msg := formatEvent(events.Event{Payload: 42}); msg != "" {
		t.Errorf("formatEvent(unknown) = %q, want empty", msg)
	}
}
