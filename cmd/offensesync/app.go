package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"offensesync/config"
	"offensesync/internal/enrich"
	"offensesync/internal/logger"
	"offensesync/internal/mapper"
	"offensesync/internal/metrics"
	"offensesync/internal/output/outcomeclickhouse"
	"offensesync/internal/output/reporthttp"
	"offensesync/internal/output/reportjson"
	"offensesync/internal/output/reportkafka"
	"offensesync/internal/pipeline"
	"offensesync/internal/qradar"
	"offensesync/internal/rules"
	"offensesync/internal/state"
	"offensesync/internal/thehive"
)

// stateStore is implemented by both state backends.
type stateStore interface {
	pipeline.CursorStore
	pipeline.RunGuard
}

type app struct {
	cfg      *config.Config
	pipeline *pipeline.SyncPipeline
	recorder *metrics.Recorder
	closers  []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	c := cfg.OffenseSync
	a := &app{cfg: cfg, recorder: metrics.NewRecorder()}

	source, err := newQRadarClient(cfg)
	if err != nil {
		return nil, err
	}

	destination, err := thehive.NewClient(thehive.Config{
		URL:      c.TheHive.URL,
		APIKey:   c.TheHive.APIKey,
		Timeout:  c.TheHive.Timeout,
		Insecure: c.TheHive.Insecure,
		Headers:  c.TheHive.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("create thehive client: %w", err)
	}

	engine, err := newRuleEngine(c.Rules)
	if err != nil {
		return nil, err
	}

	location := time.Local
	if c.QRadar.Timezone != "" {
		location, err = time.LoadLocation(c.QRadar.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load qradar timezone: %w", err)
		}
	}

	searchTimeout := c.Sync.SearchTimeout
	if searchTimeout < 0 {
		searchTimeout = 0
	}
	enricher := enrich.NewEnricher(source, enrich.Config{
		AddressTimeout: c.Sync.AddressTimeout,
		LogDelay:       c.Sync.LogDelay,
		LogLimit:       c.Sync.LogLimit,
		SearchTimeout:  searchTimeout,
		Location:       location,
		Rules:          engine,
		OnDegraded:     a.recorder.EnrichmentDegraded,
	})

	alertMapper := mapper.New(mapper.Config{
		QRadarHost:   qradarHost(c.QRadar.Server),
		CaseTemplate: c.TheHive.CaseTemplate,
	})

	store, err := newStateStore(c.State)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	writers, err := newReportWriters(c.Report)
	if err != nil {
		a.Close()
		return nil, err
	}

	p, err := pipeline.NewSyncPipeline(pipeline.Config{
		Source:      source,
		Enricher:    enricher,
		Mapper:      alertMapper,
		Destination: destination,
		Cursor:      store,
		Guard:       store,
		Writers:     writers,
		Recorder:    a.recorder,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p
	a.closers = append([]func() error{p.Close}, a.closers...)
	return a, nil
}

func newQRadarClient(cfg *config.Config) (*qradar.Client, error) {
	c := cfg.OffenseSync
	client, err := qradar.NewClient(qradar.Config{
		Server:             c.QRadar.Server,
		AuthToken:          c.QRadar.AuthToken,
		APIVersion:         c.QRadar.APIVersion,
		CertFilePath:       c.QRadar.CertFilePath,
		Insecure:           c.QRadar.Insecure,
		Timeout:            c.QRadar.Timeout,
		PollInterval:       c.Sync.SearchPollInterval,
		AddressConcurrency: c.Sync.AddressConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("create qradar client: %w", err)
	}
	return client, nil
}

func newRuleEngine(cfg config.RulesConfig) (rules.Engine, error) {
	if !cfg.Enabled {
		return &rules.NoopEngine{}, nil
	}
	engine, stats, err := rules.NewSigmaEngine(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules: %w", err)
	}
	logger.Infof("Sigma rules loaded: total=%d loaded=%d skipped_invalid=%d skipped_datasource=%d skipped_complex=%d",
		stats.TotalFiles, stats.Loaded, stats.SkippedInvalid, stats.SkippedDatasource, stats.SkippedComplex)
	return engine, nil
}

func newStateStore(cfg config.StateConfig) (stateStore, error) {
	switch cfg.Mode {
	case "redis":
		store, err := state.NewRedisStore(state.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			InitialCursor: cfg.InitialCursor,
			LockTTL:       cfg.GuardTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis state store: %w", err)
		}
		logger.Infof("State stored in redis %s (prefix %s)", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
		return store, nil
	case "file", "":
		store, err := state.NewFileStore(state.FileConfig{
			Path:          cfg.File,
			InitialCursor: cfg.InitialCursor,
			GuardTTL:      cfg.GuardTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create file state store: %w", err)
		}
		logger.Infof("State stored in %s", cfg.File)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state mode %q", cfg.Mode)
	}
}

func newReportWriters(cfg config.ReportConfig) ([]pipeline.ReportWriter, error) {
	var writers []pipeline.ReportWriter
	closeAll := func() {
		for _, w := range writers {
			w.Close()
		}
	}

	if cfg.File.Path != "" {
		w, err := reportjson.NewWriter(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if cfg.HTTP.URL != "" {
		w, err := reporthttp.NewWriter(reporthttp.Config{
			URL:      cfg.HTTP.URL,
			Timeout:  cfg.HTTP.Timeout,
			Headers:  cfg.HTTP.Headers,
			Attempts: cfg.HTTP.Attempts,
			Backoff:  cfg.HTTP.Backoff,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		writers = append(writers, w)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		w, err := reportkafka.NewWriter(reportkafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		writers = append(writers, w)
	}
	if cfg.ClickHouse.URL != "" {
		w, err := outcomeclickhouse.NewWriter(outcomeclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		writers = append(writers, w)
	}
	return writers, nil
}

// qradarHost strips the scheme from the configured server for console links.
func qradarHost(server string) string {
	host := strings.TrimSpace(server)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}

func (a *app) writeMetrics() {
	path := a.cfg.OffenseSync.Metrics.TextfilePath
	if path == "" {
		return
	}
	if err := a.recorder.WriteTextfile(path); err != nil {
		logger.Errorf("Failed to write metrics: %v", err)
	}
}

func (a *app) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
