package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Size of the async write buffer; full means records are dropped, the
// dispatch path never blocks on the database.
const recordBuffer = 1024

// Database persists call and ensemble records asynchronously
type Database struct {
	db      *gorm.DB
	logger  *utils.Logger
	records chan interface{}
	done    chan struct{}
}

// NewDatabase connects to the reporting database and starts the writer
func NewDatabase(cfg types.DatabaseConfig, logger *utils.Logger) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&CallRecord{}, &EnsembleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	d := &Database{
		db:      db,
		logger:  logger,
		records: make(chan interface{}, recordBuffer),
		done:    make(chan struct{}),
	}
	go d.writer()

	logger.Info("Reporting database connected")
	return d, nil
}

// writer drains the record buffer into the database
func (d *Database) writer() {
	defer close(d.done)
	for rec := range d.records {
		if err := d.db.Create(rec).Error; err != nil {
			d.logger.WithError(err).Warn("Failed to persist record")
		}
	}
}

// enqueue hands a record to the writer, dropping when the buffer is full
func (d *Database) enqueue(rec interface{}) {
	select {
	case d.records <- rec:
	default:
		d.logger.Warn("Record buffer full, dropping record")
	}
}

// RecordCall persists one provider call outcome
func (d *Database) RecordCall(requestID string, outcome types.ProviderOutcome) {
	d.enqueue(&CallRecord{
		RequestID: requestID,
		Provider:  outcome.Provider,
		Success:   outcome.Result != nil,
		ErrorCode: outcome.ErrorCode,
		Error:     truncate(outcome.Error, 1024),
		LatencyMs: outcome.Latency.Milliseconds(),
		Cost:      outcome.Cost,
		CreatedAt: time.Now(),
	})
}

// RecordEnsemble persists one aggregated dispatch
func (d *Database) RecordEnsemble(response *types.EnsembleResponse) {
	successes := 0
	for _, out := range response.Outcomes {
		if out.Result != nil {
			successes++
		}
	}

	d.enqueue(&EnsembleRecord{
		RequestID:        response.ID,
		ConsensusReached: response.ConsensusReached,
		AgreementScore:   response.AgreementScore,
		Degraded:         response.Degraded,
		ProviderCount:    len(response.Outcomes),
		SuccessCount:     successes,
		TotalLatencyMs:   response.TotalLatency.Milliseconds(),
		TotalCost:        response.TotalCost,
		CreatedAt:        response.Created,
	})
}

// RecentCalls returns the latest call records for one provider
func (d *Database) RecentCalls(provider string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []CallRecord
	err := d.db.Where("provider = ?", provider).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// DailySpend sums the recorded cost of one provider since midnight UTC
func (d *Database) DailySpend(provider string) (float64, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var total float64
	err := d.db.Model(&CallRecord{}).
		Where("provider = ? AND created_at >= ?", provider, midnight).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	return total, err
}

// Close flushes pending records and closes the connection
func (d *Database) Close() error {
	close(d.records)
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		d.logger.Warn("Timed out waiting for record writer to drain")
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
