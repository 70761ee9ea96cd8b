package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/fairoracle/internal/archive"
	"github.com/rewired-gh/fairoracle/internal/config"
	"github.com/rewired-gh/fairoracle/internal/events"
	"github.com/rewired-gh/fairoracle/internal/fairness"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/rewired-gh/fairoracle/internal/monitor"
	"github.com/rewired-gh/fairoracle/internal/regulation"
	"github.com/rewired-gh/fairoracle/internal/service"
	"github.com/rewired-gh/fairoracle/internal/storage"
	"github.com/rewired-gh/fairoracle/internal/telegram"
	"github.com/rewired-gh/fairoracle/internal/verifier"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

const usage = `usage: fairoracle [-config path] <command> [flags]

commands:
  verify  -archive bets.csv [-format stake_csv] [-casino id]
  analyze -spins spins.ndjson [-session id]
  watch   [-spins spins.ndjson]   ingest a live spin stream (stdin by default)
  anomalies [-top 10]             list the most severe stored anomalies
  report  -id archive-id          show a stored archive verification
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxSessions, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	v, err := newVerifier(cfg)
	if err != nil {
		logger.Fatal("Failed to load payout tables: %v", err)
	}

	var regs service.RegulationSource
	if cfg.Regulation.APIURL != "" {
		regs = regulation.NewClient(cfg.Regulation.APIURL, cfg.Regulation.Timeout, regulation.ClientConfig{
			MaxRetries:     cfg.Regulation.MaxRetries,
			RetryDelayBase: cfg.Regulation.RetryDelayBase,
			CacheTTL:       cfg.Regulation.CacheTTL,
		})
		logger.Info("Using regulation lookup service at %s", cfg.Regulation.APIURL)
	} else if cfg.Regulation.SnapshotPath != "" {
		static, err := service.LoadStaticRegulation(cfg.Regulation.SnapshotPath)
		if err != nil {
			logger.Fatal("Failed to load regulation snapshot: %v", err)
		}
		regs = static
	} else {
		logger.Debug("No regulation snapshot configured, compliance disabled")
	}

	publishers := events.Multi{events.LogPublisher()}
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		floor, err := models.ParseSeverity(cfg.Telegram.MinSeverity)
		if err != nil {
			logger.Fatal("Invalid telegram.min_severity: %v", err)
		}
		publishers = append(publishers, events.MinSeverity(floor, telegramClient))
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	archiveConfig, err := newArchiveConfig(cfg.Archive)
	if err != nil {
		logger.Fatal("Invalid archive configuration: %v", err)
	}

	svc := service.New(v, store, regs, publishers, service.Options{
		Monitor: monitor.Config{
			WindowSize:           cfg.Analyzer.WindowSize,
			TheoreticalRTP:       cfg.Analyzer.TheoreticalRTP,
			PumpThreshold:        cfg.Analyzer.PumpThreshold,
			DumpThreshold:        cfg.Analyzer.DumpThreshold,
			MinSpins:             cfg.Analyzer.MinSpins,
			EscalationFactor:     cfg.Analyzer.EscalationFactor,
			EscalationSpins:      cfg.Analyzer.EscalationSpins,
			LossStreakMin:        cfg.Analyzer.LossStreakMin,
			ClusterWindow:        cfg.Analyzer.ClusterWindow,
			ClusterWinMultiplier: cfg.Analyzer.ClusterWinMultiplier,
			ClusterDensity:       cfg.Analyzer.ClusterDensity,
			CompressionWindow:    cfg.Analyzer.CompressionWindow,
			CompressionRatio:     cfg.Analyzer.CompressionRatio,
		},
		Archive: archiveConfig,
		Jurisdiction: models.GameplayComplianceContext{
			StateCode: cfg.Regulation.StateCode,
			Topic:     models.RegulationTopic(cfg.Regulation.Topic),
		},
		IdleTimeout: cfg.Storage.IdleTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "verify":
		err = runVerify(ctx, svc, args)
	case "analyze":
		err = runAnalyze(ctx, svc, args)
	case "watch":
		if telegramClient != nil {
			telegramClient.ListenForCommands(ctx)
		}
		err = runWatch(ctx, svc, cfg.Storage.CheckpointInterval, args)
	case "anomalies":
		err = runAnomalies(svc, args)
	case "report":
		err = runReport(svc, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("%s failed: %v", cmd, err)
		if telegramClient != nil {
			if sendErr := telegramClient.SendError(context.Background(), err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		os.Exit(1)
	}
}

func newVerifier(cfg *config.Config) (*verifier.Verifier, error) {
	f, err := os.Open(cfg.Paytables.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	tables, err := fairness.LoadPayoutTables(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded %d payout tables from %s", tables.Len(), cfg.Paytables.Path)

	bounds := fairness.DefaultBounds()
	bounds.MinesBoardSize = cfg.Verifier.MinesBoardSize
	bounds.KenoPool = cfg.Verifier.KenoPool
	bounds.KenoDraws = cfg.Verifier.KenoDraws
	bounds.KenoMaxSelections = min(bounds.KenoMaxSelections, bounds.KenoPool)
	bounds.PlinkoMinRows = cfg.Verifier.PlinkoMinRows
	bounds.PlinkoMaxRows = cfg.Verifier.PlinkoMaxRows

	r, err := fairness.NewReconstructor(tables, bounds)
	if err != nil {
		return nil, err
	}
	return verifier.New(r, verifier.Config{
		Workers:              cfg.Verifier.Workers,
		MaxAnomalies:         cfg.Verifier.MaxAnomalies,
		PayoutTolerance:      cfg.Verifier.PayoutTolerance,
		RTPDeviationWarn:     cfg.Verifier.RTPDeviationWarn,
		RTPDeviationCritical: cfg.Verifier.RTPDeviationCritical,
	}), nil
}

func newArchiveConfig(c config.ArchiveConfig) (archive.Config, error) {
	out := archive.Config{
		Format:   archive.Format(c.Format),
		CasinoID: c.CasinoID,
		MaxRows:  c.MaxRows,
		Encoding: c.Encoding,
	}
	if c.Delimiter != "" {
		out.Delimiter = []rune(c.Delimiter)[0]
	}
	if c.DefaultGame != "" {
		game, err := models.ParseGameType(c.DefaultGame)
		if err != nil {
			return out, err
		}
		out.DefaultGame = game
	}
	if len(c.Columns) > 0 {
		out.ColumnOverrides = make(map[archive.Role]string, len(c.Columns))
		for role, header := range c.Columns {
			out.ColumnOverrides[archive.Role(role)] = header
		}
	}
	return out, nil
}

func runVerify(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	path := fs.String("archive", "", "Path to the bet archive")
	format := fs.String("format", "", "Archive format (sniffed when empty)")
	casino := fs.String("casino", "", "Casino ID recorded with the archive")
	fs.Parse(args) //nolint:errcheck
	if *path == "" {
		return fmt.Errorf("verify: -archive is required")
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	report, err := svc.VerifyArchive(ctx, raw, archive.Config{Format: archive.Format(*format), CasinoID: *casino})
	if report != nil {
		if werr := writeJSON(os.Stdout, report); werr != nil {
			return werr
		}
	}
	return err
}

func runAnalyze(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	path := fs.String("spins", "", "Path to an NDJSON spin history")
	session := fs.String("session", "", "Session ID (defaults to the first spin's)")
	fs.Parse(args) //nolint:errcheck
	if *path == "" {
		return fmt.Errorf("analyze: -spins is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("failed to open spins: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var spins []models.SpinResult
	dec := json.NewDecoder(f)
	for {
		var spin models.SpinResult
		if err := dec.Decode(&spin); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("spin %d: %w", len(spins), err)
		}
		spins = append(spins, spin)
	}
	sessionID := *session
	if sessionID == "" && len(spins) > 0 {
		sessionID = spins[0].SessionID
	}

	report, err := svc.AnalyzeHistory(ctx, sessionID, spins)
	if report != nil {
		monitor.SortAnomalies(report.Analysis.Anomalies)
		if werr := writeJSON(os.Stdout, report); werr != nil {
			return werr
		}
	}
	return err
}

// runWatch ingests NDJSON spins until the input ends or ctx is cancelled,
// checkpointing on every tick and once more on the way out.
func runWatch(ctx context.Context, svc *service.Service, interval time.Duration, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	path := fs.String("spins", "", "NDJSON spin stream (stdin when empty)")
	fs.Parse(args) //nolint:errcheck

	in := io.Reader(os.Stdin)
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			return fmt.Errorf("failed to open spins: %w", err)
		}
		defer f.Close() //nolint:errcheck
		in = f
	}

	if err := svc.Restore(); err != nil {
		return err
	}

	spins := make(chan models.SpinResult)
	readErr := make(chan error, 1)
	go func() {
		defer close(spins)
		dec := json.NewDecoder(in)
		for {
			var spin models.SpinResult
			if err := dec.Decode(&spin); err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
			select {
			case spins <- spin:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Watching spin stream (checkpoint interval: %v)", interval)
	ingested := 0
	for {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), svc.Checkpoint())

		case <-ticker.C:
			if err := svc.Checkpoint(); err != nil {
				logger.Warn("Checkpoint failed: %v", err)
			}

		case spin, ok := <-spins:
			if !ok {
				logger.Info("Spin stream ended after %d spins", ingested)
				select {
				case err := <-readErr:
					return errors.Join(fmt.Errorf("failed to decode spin stream: %w", err), svc.Checkpoint())
				default:
				}
				return svc.Checkpoint()
			}
			ingested++
			if _, _, err := svc.IngestSpin(ctx, spin); err != nil {
				// one bad spin does not stop the stream
				logger.Warn("Rejected spin for session %s: %v", spin.SessionID, err)
			}
		}
	}
}

func runAnomalies(svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("anomalies", flag.ExitOnError)
	top := fs.Int("top", 10, "Number of anomalies to list")
	fs.Parse(args) //nolint:errcheck

	anomalies, err := svc.TopAnomalies(*top)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, anomalies)
}

func runReport(svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	id := fs.String("id", "", "Archive ID printed by verify")
	fs.Parse(args) //nolint:errcheck
	if *id == "" {
		return fmt.Errorf("report: -id is required")
	}

	run, err := svc.ArchiveRun(*id)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, run)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
