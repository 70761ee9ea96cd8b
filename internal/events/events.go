// Package events defines the structured domain events the engine emits and
// the publisher interface callers plug a transport into.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
)

type Topic string

const (
	TopicPump                 Topic = "fairness.pump.detected"
	TopicDump                 Topic = "fairness.dump.detected"
	TopicCluster              Topic = "fairness.cluster.detected"
	TopicCompression          Topic = "fairness.compression.detected"
	TopicEscalation           Topic = "gameplay.escalation.detected"
	TopicVerificationMismatch Topic = "fairness.verification.mismatch"
	TopicComplianceFlags      Topic = "compliance.flags.raised"
)

// AnomalyTopic returns the topic an anomaly type is published on.
func AnomalyTopic(t models.AnomalyType) Topic {
	switch t {
	case models.AnomalyPump:
		return TopicPump
	case models.AnomalyDump:
		return TopicDump
	case models.AnomalyWinClustering:
		return TopicCluster
	case models.AnomalyVolatilityCompression:
		return TopicCompression
	case models.AnomalyEscalation:
		return TopicEscalation
	}
	return Topic("fairness." + string(t) + ".detected")
}

// Event is one message for the bus. Payload is one of the *Payload types.
type Event struct {
	ID         string          `json:"id"`
	Topic      Topic           `json:"topic"`
	Severity   models.Severity `json:"severity"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    any             `json:"payload"`
}

// AnomalyPayload keeps the field names downstream subscribers already read.
type AnomalyPayload struct {
	UserID      string             `json:"userId"`
	CasinoID    string             `json:"casinoId"`
	SessionID   string             `json:"sessionId"`
	AnomalyType models.AnomalyType `json:"anomalyType"`
	Severity    models.Severity    `json:"severity"`
	Confidence  float64            `json:"confidence"`
	Metadata    map[string]float64 `json:"metadata"`
	Reason      string             `json:"reason"`
	Timestamp   time.Time          `json:"timestamp"`
}

type MismatchPayload struct {
	ArchiveID    string                       `json:"archiveId"`
	CasinoID     string                       `json:"casinoId"`
	Total        int                          `json:"total"`
	Mismatched   int                          `json:"mismatched"`
	Unverifiable int                          `json:"unverifiable"`
	ClaimedRTP   float64                      `json:"claimedRtp"`
	ExpectedRTP  float64                      `json:"expectedRtp"`
	Anomalies    []models.VerificationAnomaly `json:"anomalies"`
}

type CompliancePayload struct {
	UserID    string                          `json:"userId,omitempty"`
	SessionID string                          `json:"sessionId,omitempty"`
	ArchiveID string                          `json:"archiveId,omitempty"`
	Result    models.GameplayComplianceResult `json:"result"`
}

func newEvent(topic Topic, sev models.Severity, payload any) Event {
	return Event{
		ID:         uuid.New().String(),
		Topic:      topic,
		Severity:   sev,
		OccurredAt: time.Now(),
		Payload:    payload,
	}
}

func NewAnomalyEvent(a models.AnomalyResult) Event {
	return newEvent(AnomalyTopic(a.Type), a.Severity, AnomalyPayload{
		UserID:      a.UserID,
		CasinoID:    a.CasinoID,
		SessionID:   a.SessionID,
		AnomalyType: a.Type,
		Severity:    a.Severity,
		Confidence:  a.Confidence,
		Metadata:    a.Evidence,
		Reason:      a.Reason,
		Timestamp:   a.DetectedAt,
	})
}

// NewMismatchEvent summarizes a batch whose claims did not all hold.
func NewMismatchEvent(archiveID, casinoID string, res *models.BatchVerificationResult) Event {
	sev := models.SeverityNone
	for _, a := range res.Anomalies {
		sev = models.MaxSeverity(sev, a.Severity)
	}
	return newEvent(TopicVerificationMismatch, sev, MismatchPayload{
		ArchiveID:    archiveID,
		CasinoID:     casinoID,
		Total:        res.Total,
		Mismatched:   res.Mismatched,
		Unverifiable: res.Unverifiable,
		ClaimedRTP:   res.ClaimedRTP,
		ExpectedRTP:  res.ExpectedRTP,
		Anomalies:    res.Anomalies,
	})
}

func NewComplianceEvent(p CompliancePayload) Event {
	return newEvent(TopicComplianceFlags, p.Result.OverallSeverity, p)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// ChannelPublisher hands events to a channel, blocking until the receiver
// takes them or ctx is done.
type ChannelPublisher chan<- Event

func (c ChannelPublisher) Publish(ctx context.Context, e Event) error {
	select {
	case c <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MinSeverity drops events below floor before they reach next.
func MinSeverity(floor models.Severity, next Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, e Event) error {
		if e.Severity < floor {
			return nil
		}
		return next.Publish(ctx, e)
	})
}

// LogPublisher writes each event to the application log.
func LogPublisher() Publisher {
	return PublisherFunc(func(_ context.Context, e Event) error {
		switch p := e.Payload.(type) {
		case AnomalyPayload:
			logger.Info("[%s] %s session=%s severity=%s confidence=%.2f: %s",
				e.Topic, e.ID, p.SessionID, p.Severity, p.Confidence, p.Reason)
		case MismatchPayload:
			logger.Info("[%s] %s archive=%s mismatched=%d/%d claimed_rtp=%.4f expected_rtp=%.4f",
				e.Topic, e.ID, p.ArchiveID, p.Mismatched, p.Total, p.ClaimedRTP, p.ExpectedRTP)
		case CompliancePayload:
			logger.Info("[%s] %s state=%s flags=%d severity=%s risk=%.0f",
				e.Topic, e.ID, p.Result.Context.StateCode, len(p.Result.Flags), p.Result.OverallSeverity, p.Result.RiskScore)
		default:
			logger.Info("[%s] %s %s", e.Topic, e.ID, fmt.Sprint(e.Payload))
		}
		return nil
	})
}
