// Package service wires the detection engine to its collaborators: the
// checkpoint store, the regulation source and the event publisher. The engine
// packages stay free of I/O; everything with side effects happens here.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/fairoracle/internal/archive"
	"github.com/rewired-gh/fairoracle/internal/compliance"
	"github.com/rewired-gh/fairoracle/internal/events"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/rewired-gh/fairoracle/internal/monitor"
	"github.com/rewired-gh/fairoracle/internal/verifier"
)

// ErrNoStore is returned by queries that need persisted data when the service
// runs without a store.
var ErrNoStore = errors.New("no store configured")

// Store persists session checkpoints, anomalies and archive runs.
// *storage.Storage implements it.
type Store interface {
	SaveStates(states []models.SessionState) error
	LoadState(sessionID string) (*models.SessionState, error)
	LoadOpenStates() (map[string]*models.SessionState, error)
	AddAnomaly(a *models.AnomalyResult) (string, error)
	SessionAnomalies(sessionID string) ([]models.AnomalyResult, error)
	GetTopAnomalies(k int) ([]models.AnomalyResult, error)
	AddArchiveRun(run *models.ArchiveRun) error
	GetArchiveRun(id string) (*models.ArchiveRun, error)
	RotateSessions() error
}

type Options struct {
	Monitor monitor.Config
	Archive archive.Config
	// Jurisdiction is the compliance context every evaluation runs under;
	// Source is filled per call.
	Jurisdiction models.GameplayComplianceContext
	// IdleTimeout evicts sessions without activity at checkpoint time. Zero
	// keeps them.
	IdleTimeout time.Duration
}

// Service is safe for concurrent use across sessions. Spins of one session
// must be ingested by one goroutine at a time.
type Service struct {
	mon       *monitor.Monitor
	verifier  *verifier.Verifier
	store     Store
	regs      RegulationSource
	publisher events.Publisher
	opts      Options
	now       func() time.Time

	// Anomaly history per session when there is no store.
	mu      sync.Mutex
	history map[string][]models.AnomalyResult
}

// New creates a service. store and regs may be nil: without a store nothing is
// persisted, without regs compliance is not evaluated.
func New(v *verifier.Verifier, store Store, regs RegulationSource, publisher events.Publisher, opts Options) *Service {
	if publisher == nil {
		publisher = events.LogPublisher()
	}
	return &Service{
		mon:       monitor.New(opts.Monitor),
		verifier:  v,
		store:     store,
		regs:      regs,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		history:   make(map[string][]models.AnomalyResult),
	}
}

// Monitor exposes the live session monitor for read-only queries.
func (s *Service) Monitor() *monitor.Monitor {
	return s.mon
}

// Restore reloads open sessions from the last checkpoint.
func (s *Service) Restore() error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.LoadOpenStates()
	if err != nil {
		return fmt.Errorf("failed to load session states: %w", err)
	}
	s.mon.Restore(states)
	return nil
}

// IngestSpin feeds one live spin through the monitor. Anomalies are stored,
// published, and evaluated for compliance under the live source. Compliance
// looks at every anomaly the session has raised so far, so findings on
// different spins combine into one result.
func (s *Service) IngestSpin(ctx context.Context, spin models.SpinResult) ([]models.AnomalyResult, *models.GameplayComplianceResult, error) {
	if err := s.loadSession(spin.SessionID); err != nil {
		return nil, nil, err
	}
	anomalies, err := s.mon.Ingest(spin)
	if err != nil {
		return nil, nil, err
	}
	if len(anomalies) == 0 {
		return nil, nil, nil
	}
	log := logger.With(map[string]any{"session_id": spin.SessionID, "user_id": spin.UserID})

	var history []models.AnomalyResult
	if s.store != nil {
		// anomalies reference their session row
		if state, ok := s.mon.State(spin.SessionID); ok {
			if err := s.store.SaveStates([]models.SessionState{state}); err != nil {
				return anomalies, nil, fmt.Errorf("failed to checkpoint session %s: %w", spin.SessionID, err)
			}
		}
		var unsaved []models.AnomalyResult
		for i := range anomalies {
			if _, err := s.store.AddAnomaly(&anomalies[i]); err != nil {
				log.Warn().Err(err).Str("type", string(anomalies[i].Type)).Msg("Failed to store anomaly")
				unsaved = append(unsaved, anomalies[i])
			}
		}
		stored, err := s.store.SessionAnomalies(spin.SessionID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load session anomalies, evaluating this spin only")
			stored = nil
			unsaved = anomalies
		}
		history = append(stored, unsaved...)
	} else {
		s.mu.Lock()
		s.history[spin.SessionID] = append(s.history[spin.SessionID], anomalies...)
		history = append([]models.AnomalyResult(nil), s.history[spin.SessionID]...)
		s.mu.Unlock()
	}
	for _, a := range anomalies {
		s.publish(ctx, events.NewAnomalyEvent(a))
	}

	log.Debug().Int("new", len(anomalies)).Int("total", len(history)).Msg("Evaluating session anomalies")
	result, err := s.evaluate(ctx, compliance.Input{Anomalies: history}, models.SourceLive)
	if err != nil {
		return anomalies, nil, err
	}
	if result != nil {
		s.publishCompliance(ctx, events.CompliancePayload{
			UserID:    spin.UserID,
			SessionID: spin.SessionID,
			Result:    *result,
		})
	}
	return anomalies, result, nil
}

// loadSession brings back a checkpointed session the monitor does not hold,
// such as one evicted while idle. Closed sessions come back closed.
func (s *Service) loadSession(sessionID string) error {
	if s.store == nil {
		return nil
	}
	if _, ok := s.mon.State(sessionID); ok {
		return nil
	}
	state, err := s.store.LoadState(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if state != nil {
		s.mon.Restore(map[string]*models.SessionState{sessionID: state})
	}
	return nil
}

// CloseSession finalizes a session and checkpoints it.
func (s *Service) CloseSession(sessionID string) (models.GameplaySession, error) {
	if err := s.loadSession(sessionID); err != nil {
		return models.GameplaySession{}, err
	}
	session, err := s.mon.Close(sessionID)
	if err != nil {
		return session, err
	}
	s.mu.Lock()
	delete(s.history, sessionID)
	s.mu.Unlock()
	if s.store != nil {
		if state, ok := s.mon.State(sessionID); ok {
			if err := s.store.SaveStates([]models.SessionState{state}); err != nil {
				return session, fmt.Errorf("failed to checkpoint session %s: %w", sessionID, err)
			}
		}
	}
	return session, nil
}

// Checkpoint saves every live session, evicts closed and idle ones, and trims
// the store to its session cap.
func (s *Service) Checkpoint() error {
	if s.store == nil {
		return nil
	}
	states := s.mon.Export()
	if err := s.store.SaveStates(states); err != nil {
		return fmt.Errorf("failed to save %d session states: %w", len(states), err)
	}
	if s.opts.IdleTimeout > 0 {
		evicted := s.mon.Evict(s.now().Add(-s.opts.IdleTimeout))
		if len(evicted) > 0 {
			logger.Debug("Evicted %d closed or idle sessions", len(evicted))
		}
	}
	if err := s.store.RotateSessions(); err != nil {
		return fmt.Errorf("failed to rotate sessions: %w", err)
	}
	logger.Debug("Checkpointed %d sessions", len(states))
	return nil
}

// TopAnomalies returns the k most severe stored anomalies across sessions.
func (s *Service) TopAnomalies(k int) ([]models.AnomalyResult, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid anomaly count %d", k)
	}
	return s.store.GetTopAnomalies(k)
}

// ArchiveRun returns a stored archive verification by archive ID.
func (s *Service) ArchiveRun(id string) (*models.ArchiveRun, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetArchiveRun(id)
}

// ArchiveReport is the outcome of VerifyArchive.
type ArchiveReport struct {
	Archive      *models.ParsedArchive            `json:"archive"`
	Verification *models.BatchVerificationResult  `json:"verification"`
	Compliance   *models.GameplayComplianceResult `json:"compliance,omitempty"`
}

// VerifyArchive ingests an uploaded archive, verifies every bet and evaluates
// the findings under the upload source. cfg overrides the configured archive
// settings field by field. A cancelled verification returns the partial
// report with ctx.Err().
func (s *Service) VerifyArchive(ctx context.Context, raw []byte, cfg archive.Config) (*ArchiveReport, error) {
	parsed, err := archive.Parse(raw, s.archiveConfig(cfg))
	if err != nil {
		return nil, err
	}
	logger.Info("Parsed archive %s: %d bets, %d skipped rows (%s)", parsed.ID, len(parsed.Bets), len(parsed.Skipped), parsed.Format)

	res, verr := s.verifier.VerifyBatch(ctx, parsed.Bets)
	report := &ArchiveReport{Archive: parsed, Verification: res}
	if verr != nil {
		return report, verr
	}
	logger.Info("Verified archive %s: %d verified, %d mismatched, %d unverifiable, %d invalid",
		parsed.ID, res.Verified, res.Mismatched, res.Unverifiable, res.Invalid)

	if s.store != nil {
		run := &models.ArchiveRun{
			ID:        parsed.ID,
			CasinoID:  parsed.CasinoID,
			Format:    parsed.Format,
			TotalRows: parsed.TotalRows,
			Skipped:   len(parsed.Skipped),
			Result:    res,
			CreatedAt: s.now(),
		}
		if err := s.store.AddArchiveRun(run); err != nil {
			logger.Warn("Failed to store archive run %s: %v", parsed.ID, err)
		}
	}

	if res.Mismatched > 0 || len(res.Anomalies) > 0 {
		s.publish(ctx, events.NewMismatchEvent(parsed.ID, parsed.CasinoID, res))
	}

	result, err := s.evaluate(ctx, compliance.Input{Verification: res}, models.SourceUpload)
	if err != nil {
		return report, err
	}
	if result != nil {
		report.Compliance = result
		s.publishCompliance(ctx, events.CompliancePayload{ArchiveID: parsed.ID, Result: *result})
	}
	return report, nil
}

// HistoryReport is the outcome of AnalyzeHistory.
type HistoryReport struct {
	Analysis   *monitor.AnalysisReport          `json:"analysis"`
	Summary    monitor.MobileAnomalySummary     `json:"summary"`
	Compliance *models.GameplayComplianceResult `json:"compliance,omitempty"`
}

// AnalyzeHistory runs the detectors over an uploaded spin history. Nothing is
// checkpointed; the live monitor is not touched.
func (s *Service) AnalyzeHistory(ctx context.Context, sessionID string, spins []models.SpinResult) (*HistoryReport, error) {
	analysis, err := monitor.AnalyzeHistory(s.opts.Monitor, sessionID, spins)
	if err != nil {
		return nil, err
	}
	report := &HistoryReport{Analysis: analysis, Summary: monitor.Summarize(analysis)}
	for _, a := range analysis.Anomalies {
		s.publish(ctx, events.NewAnomalyEvent(a))
	}

	result, err := s.evaluate(ctx, compliance.Input{Anomalies: analysis.Anomalies}, models.SourceUpload)
	if err != nil {
		return report, err
	}
	if result != nil {
		report.Compliance = result
		var userID string
		if len(spins) > 0 {
			userID = spins[0].UserID
		}
		s.publishCompliance(ctx, events.CompliancePayload{UserID: userID, SessionID: sessionID, Result: *result})
	}
	return report, nil
}

// evaluate returns nil when compliance is not configured.
func (s *Service) evaluate(ctx context.Context, in compliance.Input, source models.DataSource) (*models.GameplayComplianceResult, error) {
	if s.regs == nil {
		return nil, nil
	}
	cctx := s.opts.Jurisdiction
	cctx.Source = source
	snap, err := s.regs.Snapshot(ctx, cctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get regulation snapshot: %w", err)
	}
	result, err := compliance.Evaluate(in, cctx, snap)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) archiveConfig(override archive.Config) archive.Config {
	cfg := s.opts.Archive
	if override.Format != "" {
		cfg.Format = override.Format
	}
	if override.CasinoID != "" {
		cfg.CasinoID = override.CasinoID
	}
	if len(override.ColumnOverrides) > 0 {
		cfg.ColumnOverrides = override.ColumnOverrides
	}
	if override.MaxRows > 0 {
		cfg.MaxRows = override.MaxRows
	}
	if override.Encoding != "" {
		cfg.Encoding = override.Encoding
	}
	if override.Delimiter != 0 {
		cfg.Delimiter = override.Delimiter
	}
	if override.DefaultGame != "" {
		cfg.DefaultGame = override.DefaultGame
	}
	return cfg
}

func (s *Service) publishCompliance(ctx context.Context, p events.CompliancePayload) {
	if len(p.Result.Flags) == 0 {
		return
	}
	s.publish(ctx, events.NewComplianceEvent(p))
}

// publish logs sink failures instead of returning them.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("Failed to publish %s event %s: %v", e.Topic, e.ID, err)
	}
}
