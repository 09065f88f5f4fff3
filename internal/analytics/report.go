// internal/analytics/report.go
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/export"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
)

// DefaultSchedule runs the report every day at 00:05 (seconds field first).
const DefaultSchedule = "0 5 0 * * *"

// PositionLister reads positions of one owner, or all owners for "".
type PositionLister interface {
	ListAll(ctx context.Context, ownerID string) ([]*domain.Position, error)
}

// TradeLister reads the trade audit trail.
type TradeLister interface {
	ListTrades(ctx context.Context, ownerID string, since time.Time) ([]*domain.TradeRecord, error)
}

// Report is the engine-wide snapshot written by each run.
type Report struct {
	GeneratedAt         time.Time `json:"generated_at"`
	Owners              int       `json:"owners"`
	OpenPositions       int       `json:"open_positions"`
	ClosedPositions     int       `json:"closed_positions"`
	ProfitablePositions int       `json:"profitable_positions"`
	UnknownOutcome      int       `json:"unknown_outcome"`
	WinRate             float64   `json:"win_rate"`
	RealizedPnL         float64   `json:"realized_pnl"`
	TradesLastDay       int       `json:"trades_last_day"`
	TradesLastWeek      int       `json:"trades_last_week"`
	VolumeLastDay       float64   `json:"volume_last_day_sol"`
	VolumeLastWeek      float64   `json:"volume_last_week_sol"`
	FailedLastWeek      int       `json:"failed_last_week"`
}

// Build computes a report. Only confirmed trades count towards volume.
func Build(positions []*domain.Position, trades []*domain.TradeRecord, now time.Time) Report {
	summary := pnl.Summarize(positions)
	r := Report{
		GeneratedAt:         now,
		OpenPositions:       summary.OpenPositions,
		ClosedPositions:     summary.TotalTrades + summary.UnknownOutcome,
		ProfitablePositions: summary.WinningTrades,
		UnknownOutcome:      summary.UnknownOutcome,
		WinRate:             summary.WinRate,
		RealizedPnL:         summary.RealizedPnL,
	}

	owners := make(map[string]struct{})
	for _, p := range positions {
		owners[p.OwnerID] = struct{}{}
	}
	r.Owners = len(owners)

	day, week := now.Add(-24*time.Hour), now.Add(-7*24*time.Hour)
	for _, t := range trades {
		if t.CreatedAt.Before(week) {
			continue
		}
		if t.Status == domain.TradeFailed {
			r.FailedLastWeek++
			continue
		}
		r.TradesLastWeek++
		if t.Status == domain.TradeConfirmed {
			r.VolumeLastWeek += t.SolAmount
		}
		if !t.CreatedAt.Before(day) {
			r.TradesLastDay++
			if t.Status == domain.TradeConfirmed {
				r.VolumeLastDay += t.SolAmount
			}
		}
	}
	return r
}

// Reporter writes the report, the closed-positions CSV and the daily trade
// report on a cron schedule.
type Reporter struct {
	positions PositionLister
	trades    TradeLister
	exporter  *export.TradeExporter
	dir       string
	schedule  string
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest *Report

	cron *cron.Cron
}

func NewReporter(positions PositionLister, trades TradeLister, exporter *export.TradeExporter, dir, schedule string,
	logger *zap.Logger) *Reporter {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if dir == "" {
		dir = "reports"
	}
	return &Reporter{
		positions: positions,
		trades:    trades,
		exporter:  exporter,
		dir:       dir,
		schedule:  schedule,
		logger:    logger.Named("analytics"),
		now:       time.Now,
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Analytics run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid analytics schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("📊 Analytics scheduled", zap.String("schedule", r.schedule), zap.String("dir", r.dir))
	return nil
}

func (r *Reporter) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Latest returns the last report built, if any.
func (r *Reporter) Latest() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Report{}, false
	}
	return *r.latest, true
}

// RunOnce builds the report and writes every artifact. It returns the path of
// the report file.
func (r *Reporter) RunOnce(ctx context.Context) (string, error) {
	now := r.now()
	positions, err := r.positions.ListAll(ctx, "")
	if err != nil {
		return "", fmt.Errorf("list positions: %w", err)
	}
	trades, err := r.trades.ListTrades(ctx, "", now.Add(-7*24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("list trades: %w", err)
	}

	report := Build(positions, trades, now)
	r.mu.Lock()
	r.latest = &report
	r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("report_%s.json", now.Format("20060102_150405")))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	closed := make([]*domain.Position, 0, len(positions))
	for _, p := range positions {
		if !p.IsActive() {
			closed = append(closed, p)
		}
	}
	if _, err := r.exporter.ExportPositions(closed, export.FormatCSV, r.dir); err != nil &&
		!errors.Is(err, export.ErrNothingToExport) {
		r.logger.Warn("Closed positions export failed", zap.Error(err))
	}
	if _, err := r.exporter.ExportTrades(trades, export.ExportOptions{
		Format:        export.FormatCSV,
		StartTime:     now.Add(-7 * 24 * time.Hour),
		EndTime:       now,
		OnlyConfirmed: true,
		OutputDir:     r.dir,
	}); err != nil && !errors.Is(err, export.ErrNothingToExport) {
		r.logger.Warn("Weekly trades export failed", zap.Error(err))
	}
	if _, err := r.exporter.ExportDailyReport(trades, now, r.dir); err != nil {
		r.logger.Warn("Daily report export failed", zap.Error(err))
	}

	r.logger.Info("📊 Report written",
		zap.String("file", path),
		zap.Int("open", report.OpenPositions),
		zap.Int("closed", report.ClosedPositions),
		zap.Float64("win_rate", report.WinRate))
	return path, nil
}
