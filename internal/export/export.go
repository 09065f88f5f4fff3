package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
)

// ErrNothingToExport is returned when the filters leave no rows.
var ErrNothingToExport = errors.New("no records match the export criteria")

// ExportFormat represents the export file format
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportOptions configures the export behavior
type ExportOptions struct {
	Format        ExportFormat
	StartTime     time.Time
	EndTime       time.Time
	OwnerFilter   string
	TokenFilter   string
	KindFilter    domain.TradeKind
	OnlyConfirmed bool
	OutputDir     string
}

// TradeExporter writes trade and position history to files.
type TradeExporter struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewTradeExporter(logger *zap.Logger) *TradeExporter {
	return &TradeExporter{
		logger: logger.Named("export"),
		now:    time.Now,
	}
}

// TradeHeaders is the column order of trade CSV files and the journal.
func TradeHeaders() []string {
	return []string{"timestamp", "owner", "source", "kind", "token", "sol_amount", "token_amount", "status", "signature", "error"}
}

// TradeRow renders a trade record as a CSV row.
func TradeRow(t *domain.TradeRecord) []string {
	ts := t.UpdatedAt
	if ts.IsZero() {
		ts = t.CreatedAt
	}
	return []string{
		ts.UTC().Format(time.RFC3339),
		t.OwnerID,
		string(t.Source),
		string(t.Kind),
		t.TokenAddress,
		formatFloat(t.SolAmount),
		formatFloat(t.TokenAmount),
		string(t.Status),
		t.Signature,
		t.Error,
	}
}

// PositionHeaders is the column order of position CSV files.
func PositionHeaders() []string {
	return []string{"id", "owner", "token", "status", "initial_amount", "buy_price", "sell_price",
		"bought_at", "sold_at", "close_reason", "pnl", "pnl_pct", "pnl_unknown"}
}

// PositionRow renders a position as a CSV row.
func PositionRow(p *domain.Position) []string {
	sellPrice, soldAt := "", ""
	if p.SellPrice != nil {
		sellPrice = formatFloat(*p.SellPrice)
	}
	if p.SellTimestamp != nil {
		soldAt = p.SellTimestamp.UTC().Format(time.RFC3339)
	}
	return []string{
		p.ID,
		p.OwnerID,
		p.TokenAddress,
		string(p.Status),
		formatFloat(p.InitialAmount),
		formatFloat(p.BuyPrice),
		sellPrice,
		p.BuyTimestamp.UTC().Format(time.RFC3339),
		soldAt,
		string(p.CloseReason),
		formatFloat(p.PnL),
		strconv.FormatFloat(p.PnLPercentage, 'f', 2, 64),
		strconv.FormatBool(p.PnLUnknown),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExportTrades exports trades based on the provided options
func (te *TradeExporter) ExportTrades(trades []*domain.TradeRecord, options ExportOptions) (string, error) {
	filtered := te.filterTrades(trades, options)
	if len(filtered) == 0 {
		return "", ErrNothingToExport
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(options.OutputDir, te.generateFilename(options))

	var err error
	switch options.Format {
	case FormatCSV:
		err = writeCSV(outputPath, TradeHeaders(), len(filtered), func(i int) []string { return TradeRow(filtered[i]) })
	case FormatJSON:
		err = writeJSON(outputPath, struct {
			ExportTime time.Time             `json:"export_time"`
			TradeCount int                   `json:"trade_count"`
			Trades     []*domain.TradeRecord `json:"trades"`
			Summary    ExportSummary         `json:"summary"`
		}{
			ExportTime: te.now(),
			TradeCount: len(filtered),
			Trades:     filtered,
			Summary:    calculateSummary(filtered),
		})
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("Trades exported",
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))
	return outputPath, nil
}

// ExportPositions writes positions (typically the closed ones) to dir.
func (te *TradeExporter) ExportPositions(positions []*domain.Position, format ExportFormat, dir string) (string, error) {
	if len(positions) == 0 {
		return "", ErrNothingToExport
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	sorted := append([]*domain.Position(nil), positions...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BuyTimestamp.Before(sorted[j].BuyTimestamp)
	})

	outputPath := filepath.Join(dir, fmt.Sprintf("positions_%s.%s", te.now().Format("20060102_150405"), format))
	var err error
	switch format {
	case FormatCSV:
		err = writeCSV(outputPath, PositionHeaders(), len(sorted), func(i int) []string { return PositionRow(sorted[i]) })
	case FormatJSON:
		err = writeJSON(outputPath, struct {
			ExportTime time.Time          `json:"export_time"`
			Positions  []*domain.Position `json:"positions"`
			Summary    pnl.Summary        `json:"summary"`
		}{te.now(), sorted, pnl.Summarize(sorted)})
	default:
		err = fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("Positions exported", zap.String("file", outputPath), zap.Int("count", len(sorted)))
	return outputPath, nil
}

// filterTrades applies filters to the trade list
func (te *TradeExporter) filterTrades(trades []*domain.TradeRecord, options ExportOptions) []*domain.TradeRecord {
	var filtered []*domain.TradeRecord
	for _, trade := range trades {
		if !options.StartTime.IsZero() && trade.CreatedAt.Before(options.StartTime) {
			continue
		}
		if !options.EndTime.IsZero() && !trade.CreatedAt.Before(options.EndTime) {
			continue
		}
		if options.OwnerFilter != "" && trade.OwnerID != options.OwnerFilter {
			continue
		}
		if options.TokenFilter != "" && trade.TokenAddress != options.TokenFilter {
			continue
		}
		if options.KindFilter != "" && trade.Kind != options.KindFilter {
			continue
		}
		if options.OnlyConfirmed && trade.Status != domain.TradeConfirmed {
			continue
		}
		filtered = append(filtered, trade)
	}
	return filtered
}

// generateFilename creates a filename based on export options
func (te *TradeExporter) generateFilename(options ExportOptions) string {
	prefix := "trades_all"
	if options.KindFilter != "" {
		prefix = "trades_" + string(options.KindFilter)
	}
	if options.TokenFilter != "" {
		token := options.TokenFilter
		if len(token) > 8 {
			token = token[:8]
		}
		prefix += "_" + token
	}
	return fmt.Sprintf("%s_%s.%s", prefix, te.now().Format("20060102_150405"), options.Format)
}

// ExportSummary contains summary statistics for exported trades
type ExportSummary struct {
	TotalTrades     int       `json:"total_trades"`
	ConfirmedTrades int       `json:"confirmed_trades"`
	FailedTrades    int       `json:"failed_trades"`
	PendingTrades   int       `json:"pending_trades"`
	BuyCount        int       `json:"buy_count"`
	SellCount       int       `json:"sell_count"`
	UniqueTokens    int       `json:"unique_tokens"`
	TotalBuyVolume  float64   `json:"total_buy_volume"` // SOL
	SuccessRate     float64   `json:"success_rate"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
}

func calculateSummary(trades []*domain.TradeRecord) ExportSummary {
	summary := ExportSummary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return summary
	}
	summary.StartDate = trades[0].CreatedAt
	summary.EndDate = trades[len(trades)-1].CreatedAt

	tokens := make(map[string]struct{})
	for _, trade := range trades {
		tokens[trade.TokenAddress] = struct{}{}

		switch trade.Status {
		case domain.TradeConfirmed:
			summary.ConfirmedTrades++
		case domain.TradeFailed:
			summary.FailedTrades++
		default:
			summary.PendingTrades++
		}

		if trade.Kind == domain.TradeBuy {
			summary.BuyCount++
			if trade.Status == domain.TradeConfirmed {
				summary.TotalBuyVolume += trade.SolAmount
			}
		} else {
			summary.SellCount++
		}
	}
	summary.UniqueTokens = len(tokens)
	summary.SuccessRate = pnl.WinRate(summary.ConfirmedTrades, summary.TotalTrades)
	return summary
}

// HourlyStats represents trading statistics for an hour
type HourlyStats struct {
	Hour       int     `json:"hour"`
	TradeCount int     `json:"trade_count"`
	BuyCount   int     `json:"buy_count"`
	SellCount  int     `json:"sell_count"`
	Volume     float64 `json:"volume"`
}

// DailyReport represents a daily trading report
type DailyReport struct {
	Date            time.Time             `json:"date"`
	TradeCount      int                   `json:"trade_count"`
	Summary         ExportSummary         `json:"summary"`
	HourlyBreakdown []HourlyStats         `json:"hourly_breakdown"`
	Trades          []*domain.TradeRecord `json:"trades"`
}

// ExportDailyReport exports a daily summary report. An empty day writes nothing.
func (te *TradeExporter) ExportDailyReport(trades []*domain.TradeRecord, date time.Time, outputDir string) (string, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	filtered := te.filterTrades(trades, ExportOptions{
		StartTime: startOfDay,
		EndTime:   startOfDay.Add(24 * time.Hour),
	})
	if len(filtered) == 0 {
		te.logger.Info("No trades for daily report", zap.Time("date", startOfDay))
		return "", nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(outputDir, fmt.Sprintf("daily_report_%s.json", startOfDay.Format("20060102")))

	report := DailyReport{
		Date:            startOfDay,
		TradeCount:      len(filtered),
		Summary:         calculateSummary(filtered),
		HourlyBreakdown: hourlyBreakdown(filtered),
		Trades:          filtered,
	}
	if err := writeJSON(outputPath, report); err != nil {
		return "", err
	}

	te.logger.Info("Daily report exported",
		zap.String("file", outputPath),
		zap.Time("date", startOfDay),
		zap.Int("trades", len(filtered)))
	return outputPath, nil
}

func hourlyBreakdown(trades []*domain.TradeRecord) []HourlyStats {
	byHour := make(map[int]*HourlyStats)
	for _, trade := range trades {
		hour := trade.CreatedAt.Hour()
		stats, ok := byHour[hour]
		if !ok {
			stats = &HourlyStats{Hour: hour}
			byHour[hour] = stats
		}
		stats.TradeCount++
		stats.Volume += trade.SolAmount
		if trade.Kind == domain.TradeBuy {
			stats.BuyCount++
		} else {
			stats.SellCount++
		}
	}

	var breakdown []HourlyStats
	for hour := 0; hour < 24; hour++ {
		if stats, ok := byHour[hour]; ok {
			breakdown = append(breakdown, *stats)
		}
	}
	return breakdown
}

func writeCSV(path string, header []string, n int, row func(i int) []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := writer.Write(row(i)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
