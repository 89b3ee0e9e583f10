package indexer

import (
	"context"
	"time"

	"github.com/hyperjump/recall/internal/models"
	"go.uber.org/zap"
)

// Maintainer runs BuildOrUpdate in the background after appends and on a fixed interval.
// Notifications that arrive while a build is running collapse into one follow-up build.
type Maintainer struct {
	indexer  *Indexer
	interval time.Duration
	logger   *zap.Logger
	onBuild  func(*models.BuildReport, error)
	notify   chan struct{}
}

// MaintainerOption configures a Maintainer.
type MaintainerOption func(*Maintainer)

// WithMaintainerLogger sets a logger for build outcomes.
func WithMaintainerLogger(l *zap.Logger) MaintainerOption {
	return func(m *Maintainer) { m.logger = l }
}

// WithBuildHook is called after every background build.
func WithBuildHook(fn func(*models.BuildReport, error)) MaintainerOption {
	return func(m *Maintainer) { m.onBuild = fn }
}

// NewMaintainer creates a maintainer for idx. interval <= 0 disables the periodic pass.
func NewMaintainer(idx *Indexer, interval time.Duration, opts ...MaintainerOption) *Maintainer {
	m := &Maintainer{
		indexer:  idx,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notify asks for a build soon. It never blocks.
func (m *Maintainer) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		case <-tick:
		}
		m.build(ctx)
	}
}

func (m *Maintainer) build(ctx context.Context) {
	report, err := m.indexer.BuildOrUpdate(ctx)
	if m.onBuild != nil {
		m.onBuild(report, err)
	}
	if m.logger == nil {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("background build failed",
				zap.String("namespace", m.indexer.Namespace()), zap.Error(err))
		}
		return
	}
	if report.Embedded > 0 || report.Failed > 0 || report.Rederived > 0 {
		m.logger.Info("background build finished",
			zap.String("namespace", m.indexer.Namespace()),
			zap.String("run_id", report.RunID),
			zap.Int("embedded", report.Embedded),
			zap.Int("failed", report.Failed),
			zap.Int("index_size", report.IndexSize))
	}
}
