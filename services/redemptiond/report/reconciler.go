// Package report materialises daily redemption reconciliation reports.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"repaircoin/services/redemptiond/models"
)

const (
	// Anomaly types emitted by the reconciler.
	AnomalyMissingTransaction = "missing_transaction"
	AnomalyOrphanTransaction  = "orphan_transaction"
	AnomalyAmountMismatch     = "amount_mismatch"

	redemptionsBase = "redemptions"
	summaryFile     = "summary.csv"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	TZ        *time.Location
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions specifies the reconciliation window. End is exclusive.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler joins settled redemptions with their sessions and writes per-day reports.
type Reconciler struct {
	db        *gorm.DB
	tz        *time.Location
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a ledger inconsistency requiring operator review.
type Anomaly struct {
	Type          string
	SessionID     uuid.UUID
	TransactionID *uuid.UUID
	ShopID        string
	Details       string
}

// ReportRow describes one settled redemption.
type ReportRow struct {
	TransactionID        uuid.UUID
	SessionID            uuid.UUID
	ShopID               string
	ShopName             string
	CustomerAddress      string
	Amount               decimal.Decimal
	ShopBalanceAfter     decimal.Decimal
	CustomerBalanceAfter decimal.Decimal
	SessionCreatedAt     time.Time
	ApprovedAt           *time.Time
	SettledAt            time.Time
	ApprovalLatency      time.Duration
	SettleLatency        time.Duration
}

// ShopSummary aggregates a shop's redemptions over the window.
type ShopSummary struct {
	ShopID    string
	ShopName  string
	Count     int
	Customers int
	Total     decimal.Decimal
}

// Files references the artefacts written for a run.
type Files struct {
	CSVPath     string
	ParquetPath string
	SummaryPath string
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Summaries []ShopSummary
	Anomalies []Anomaly
	Files     Files
	Total     decimal.Decimal
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("report: db is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("repaircoin-data", "reports")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(cfg.TZ) }
	}
	return &Reconciler{
		db:        cfg.DB,
		tz:        cfg.TZ,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run reconciles the redemptions settled within the window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("report: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	db := r.db.WithContext(ctx)

	var records []models.Transaction
	if err := db.Where("type = ? AND created_at >= ? AND created_at < ?", models.TransactionTypeRedeem, start, end).
		Order("created_at, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("report: load transactions: %w", err)
	}

	var used []models.RedemptionSession
	if err := db.Where("status = ? AND used_at >= ? AND used_at < ?", models.StatusUsed, start, end).
		Find(&used).Error; err != nil {
		return nil, fmt.Errorf("report: load settled sessions: %w", err)
	}

	sessionIDs := make([]uuid.UUID, 0, len(records))
	shopIDs := make([]string, 0)
	shopSeen := map[string]bool{}
	for _, rec := range records {
		sessionIDs = append(sessionIDs, rec.SessionID)
		if !shopSeen[rec.ShopID] {
			shopIDs = append(shopIDs, rec.ShopID)
			shopSeen[rec.ShopID] = true
		}
	}

	sessionMap := map[uuid.UUID]models.RedemptionSession{}
	for _, session := range used {
		sessionMap[session.ID] = session
	}
	if len(sessionIDs) > 0 {
		var linked []models.RedemptionSession
		if err := db.Where("id IN ?", sessionIDs).Find(&linked).Error; err != nil {
			return nil, fmt.Errorf("report: load sessions: %w", err)
		}
		for _, session := range linked {
			sessionMap[session.ID] = session
		}
	}

	shopMap := map[string]models.Shop{}
	if len(shopIDs) > 0 {
		var shops []models.Shop
		if err := db.Where("shop_id IN ?", shopIDs).Find(&shops).Error; err != nil {
			return nil, fmt.Errorf("report: load shops: %w", err)
		}
		for _, shop := range shops {
			shopMap[shop.ShopID] = shop
		}
	}

	rows := make([]*ReportRow, 0, len(records))
	anomalies := make([]Anomaly, 0)
	settled := make(map[uuid.UUID]bool, len(records))
	for _, rec := range records {
		settled[rec.SessionID] = true
		txID := rec.ID
		session, ok := sessionMap[rec.SessionID]
		switch {
		case !ok || session.Status != models.StatusUsed:
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:          AnomalyOrphanTransaction,
				SessionID:     rec.SessionID,
				TransactionID: &txID,
				ShopID:        rec.ShopID,
				Details:       fmt.Sprintf("transaction recorded but session is %q", session.Status),
			}))
		case !session.Amount.Equal(rec.Amount):
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:          AnomalyAmountMismatch,
				SessionID:     rec.SessionID,
				TransactionID: &txID,
				ShopID:        rec.ShopID,
				Details:       fmt.Sprintf("session amount %s vs settled %s", session.Amount, rec.Amount),
			}))
		}

		row := &ReportRow{
			TransactionID:        rec.ID,
			SessionID:            rec.SessionID,
			ShopID:               rec.ShopID,
			ShopName:             shopMap[rec.ShopID].Name,
			CustomerAddress:      rec.CustomerAddress,
			Amount:               rec.Amount,
			ShopBalanceAfter:     rec.ShopBalanceAfter,
			CustomerBalanceAfter: rec.CustomerBalanceAfter,
			SettledAt:            rec.CreatedAt.In(r.tz),
		}
		if ok {
			row.SessionCreatedAt = session.CreatedAt.In(r.tz)
			if session.ApprovedAt != nil {
				approved := session.ApprovedAt.In(r.tz)
				row.ApprovedAt = &approved
			}
			row.ApprovalLatency = durationBetween(session.CreatedAt, row.ApprovedAt)
			if row.ApprovedAt != nil {
				row.SettleLatency = durationBetween(*row.ApprovedAt, &row.SettledAt)
			}
		}
		rows = append(rows, row)
	}

	for _, session := range used {
		if settled[session.ID] {
			continue
		}
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:      AnomalyMissingTransaction,
			SessionID: session.ID,
			ShopID:    session.ShopID,
			Details:   fmt.Sprintf("session used at %s without a transaction record", session.UsedAt),
		}))
	}

	summaries, total := summarise(rows)
	result := &Result{Start: start, End: end, Rows: rows, Summaries: summaries, Anomalies: anomalies, Total: total}
	if dryRun {
		return result, nil
	}

	runDir := filepath.Join(r.outputDir, start.Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: ensure output dir: %w", err)
	}
	result.Files = Files{
		CSVPath:     filepath.Join(runDir, redemptionsBase+".csv"),
		ParquetPath: filepath.Join(runDir, redemptionsBase+".parquet"),
		SummaryPath: filepath.Join(runDir, summaryFile),
	}
	if err := writeCSV(result.Files.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(result.Files.ParquetPath, rows); err != nil {
		return nil, err
	}
	if err := writeSummary(result.Files.SummaryPath, summaries); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "redemption report written",
		slog.String("dir", runDir),
		slog.Int("rows", len(rows)),
		slog.Int("anomalies", len(anomalies)),
		slog.String("total", total.String()))
	return result, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.WarnContext(ctx, "report alert delivery failed",
			slog.String("session_id", anomaly.SessionID.String()),
			slog.Any("error", err))
	}
	return anomaly
}

func summarise(rows []*ReportRow) ([]ShopSummary, decimal.Decimal) {
	byShop := make(map[string]*ShopSummary)
	customers := make(map[string]map[string]bool)
	total := decimal.Zero
	for _, row := range rows {
		summary, ok := byShop[row.ShopID]
		if !ok {
			summary = &ShopSummary{ShopID: row.ShopID, ShopName: row.ShopName, Total: decimal.Zero}
			byShop[row.ShopID] = summary
			customers[row.ShopID] = map[string]bool{}
		}
		summary.Count++
		summary.Total = summary.Total.Add(row.Amount)
		if !customers[row.ShopID][row.CustomerAddress] {
			customers[row.ShopID][row.CustomerAddress] = true
			summary.Customers++
		}
		total = total.Add(row.Amount)
	}
	out := make([]ShopSummary, 0, len(byShop))
	for _, summary := range byShop {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShopID < out[j].ShopID })
	return out, total
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"transaction_id", "session_id", "shop_id", "shop_name", "customer_address", "amount",
		"shop_balance_after", "customer_balance_after", "session_created_at", "approved_at", "settled_at",
		"approval_latency_seconds", "settle_latency_seconds",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TransactionID.String(),
			row.SessionID.String(),
			row.ShopID,
			row.ShopName,
			row.CustomerAddress,
			row.Amount.String(),
			row.ShopBalanceAfter.String(),
			row.CustomerBalanceAfter.String(),
			formatTime(&row.SessionCreatedAt),
			formatTime(row.ApprovedAt),
			formatTime(&row.SettledAt),
			formatSeconds(row.ApprovalLatency),
			formatSeconds(row.SettleLatency),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

func writeSummary(path string, summaries []ShopSummary) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create summary: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"shop_id", "shop_name", "redemptions", "customers", "total_amount"}); err != nil {
		return fmt.Errorf("report: write summary header: %w", err)
	}
	for _, s := range summaries {
		if err := w.Write([]string{s.ShopID, s.ShopName, strconv.Itoa(s.Count), strconv.Itoa(s.Customers), s.Total.String()}); err != nil {
			return fmt.Errorf("report: write summary row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush summary: %w", err)
	}
	return nil
}

// Amounts are kept as decimal strings; amount_value is a lossy copy for analytics.
type parquetRow struct {
	TransactionID          string  `parquet:"name=transaction_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	SessionID              string  `parquet:"name=session_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ShopID                 string  `parquet:"name=shop_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ShopName               string  `parquet:"name=shop_name, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CustomerAddress        string  `parquet:"name=customer_address, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount                 string  `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	AmountValue            float64 `parquet:"name=amount_value, type=DOUBLE"`
	ShopBalanceAfter       string  `parquet:"name=shop_balance_after, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CustomerBalanceAfter   string  `parquet:"name=customer_balance_after, type=UTF8, encoding=PLAIN_DICTIONARY"`
	SessionCreatedAt       string  `parquet:"name=session_created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ApprovedAt             string  `parquet:"name=approved_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	SettledAt              string  `parquet:"name=settled_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ApprovalLatencySeconds float64 `parquet:"name=approval_latency_seconds, type=DOUBLE"`
	SettleLatencySeconds   float64 `parquet:"name=settle_latency_seconds, type=DOUBLE"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		value, _ := row.Amount.Float64()
		pr := &parquetRow{
			TransactionID:          row.TransactionID.String(),
			SessionID:              row.SessionID.String(),
			ShopID:                 row.ShopID,
			ShopName:               row.ShopName,
			CustomerAddress:        row.CustomerAddress,
			Amount:                 row.Amount.String(),
			AmountValue:            value,
			ShopBalanceAfter:       row.ShopBalanceAfter.String(),
			CustomerBalanceAfter:   row.CustomerBalanceAfter.String(),
			SessionCreatedAt:       formatTime(&row.SessionCreatedAt),
			ApprovedAt:             formatTime(row.ApprovedAt),
			SettledAt:              formatTime(&row.SettledAt),
			ApprovalLatencySeconds: secondsFloat(row.ApprovalLatency),
			SettleLatencySeconds:   secondsFloat(row.SettleLatency),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func secondsFloat(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 0, 64)
}

func durationBetween(start time.Time, end *time.Time) time.Duration {
	if end == nil || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
