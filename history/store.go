package history

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/crossdex/arbd/types"
)

// ExecutionRow is one persisted execution attempt, keyed by a monotonically
// increasing id. Rows are append-only; the store never updates them.
type ExecutionRow struct {
	ID              uint `gorm:"primaryKey;autoIncrement"`
	OpportunityID   string
	Success         bool
	TxHash          string
	ActualProfitUSD decimal.Decimal `gorm:"type:numeric"`
	GasCostUSD      decimal.Decimal `gorm:"type:numeric"`
	GasStrategy     string
	FailureReason   string
	CreatedAt       time.Time
}

// ScanRow summarizes one scan cycle.
type ScanRow struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	Opportunities    int
	BestNetProfitUSD decimal.Decimal `gorm:"type:numeric"`
	DurationMs       int64
	CreatedAt        time.Time
}

// Store is the append-only execution and scan history with a retention cap:
// once a table exceeds the cap the oldest rows are evicted.
type Store struct {
	db        *gorm.DB
	retention int
	logger    *zap.Logger
}

// Open creates or opens the sqlite-backed store at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, retention int, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if err := db.AutoMigrate(&ExecutionRow{}, &ScanRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	if retention <= 0 {
		retention = 100
	}
	return &Store{db: db, retention: retention, logger: logger}, nil
}

// AppendExecution persists one record and prunes beyond the retention cap.
func (s *Store) AppendExecution(rec *types.ExecutionRecord) error {
	row := &ExecutionRow{
		OpportunityID:   rec.OpportunityID,
		Success:         rec.Success,
		TxHash:          rec.TxHash,
		ActualProfitUSD: decimal.NewFromFloat(rec.ActualProfitUSD),
		GasCostUSD:      decimal.NewFromFloat(rec.GasCostUSD),
		GasStrategy:     rec.GasStrategy,
		FailureReason:   rec.FailureReason,
		CreatedAt:       rec.Timestamp,
	}
	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return s.prune(&ExecutionRow{})
}

// AppendScan persists one scan summary and prunes beyond the retention cap.
func (s *Store) AppendScan(opportunities int, bestNetProfitUSD float64, duration time.Duration) error {
	row := &ScanRow{
		Opportunities:    opportunities,
		BestNetProfitUSD: decimal.NewFromFloat(bestNetProfitUSD),
		DurationMs:       duration.Milliseconds(),
		CreatedAt:        time.Now(),
	}
	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to append scan record: %w", err)
	}
	return s.prune(&ScanRow{})
}

// RecentExecutions returns up to n most recent execution rows, newest first.
func (s *Store) RecentExecutions(n int) ([]ExecutionRow, error) {
	var rows []ExecutionRow
	if err := s.db.Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read execution history: %w", err)
	}
	return rows, nil
}

// RecentScans returns up to n most recent scan rows, newest first.
func (s *Store) RecentScans(n int) ([]ScanRow, error) {
	var rows []ScanRow
	if err := s.db.Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read scan history: %w", err)
	}
	return rows, nil
}

// prune evicts the oldest rows beyond the retention cap.
func (s *Store) prune(model interface{}) error {
	var count int64
	if err := s.db.Model(model).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count history rows: %w", err)
	}
	excess := count - int64(s.retention)
	if excess <= 0 {
		return nil
	}
	var maxOld uint
	row := s.db.Model(model).Order("id asc").Offset(int(excess - 1)).Limit(1).Select("id")
	if err := row.Scan(&maxOld).Error; err != nil {
		return fmt.Errorf("failed to find eviction boundary: %w", err)
	}
	if err := s.db.Where("id <= ?", maxOld).Delete(model).Error; err != nil {
		return fmt.Errorf("failed to evict history rows: %w", err)
	}
	s.logger.Debug("history pruned", zap.Int64("evicted", excess))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
