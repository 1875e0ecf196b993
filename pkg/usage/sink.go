package usage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Accounting outcomes reported to an Observer.
const (
	ResultWritten       = "written"
	ResultDisabled      = "disabled"
	ResultAcquireFailed = "acquire_failed"
	ResultInsertFailed  = "insert_failed"
)

// LogRow is one accounted request. Rows are append-only.
type LogRow struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	Request   datatypes.JSON `gorm:"not null"`
	Response  datatypes.JSON `gorm:"not null"`
	IP        *string        `gorm:"type:inet"`
	Tokens    int32          `gorm:"not null;default:0"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime;index"`
}

func (LogRow) TableName() string { return "api_logs" }

// Observer is told about every accounting attempt.
type Observer interface {
	ObserveAccounting(result string, tokens int32)
}

// Sink persists usage rows and keeps a process-wide running token counter.
// A Sink without a database is valid: Record becomes a no-op.
type Sink struct {
	db       *gorm.DB
	observer Observer
	tokens   atomic.Int64
}

func NewSink(db *gorm.DB, observer Observer) *Sink {
	return &Sink{db: db, observer: observer}
}

func (s *Sink) Enabled() bool {
	return s != nil && s.db != nil
}

// Record writes one usage row and, once the row is stored, adds tokens to
// the running counter. Failures are logged and dropped; nothing is retried
// and nothing is reported to the caller.
func (s *Sink) Record(ctx context.Context, request, response []byte, clientIP string, tokens int32) {
	if s == nil {
		return
	}
	if s.db == nil {
		s.observe(ResultDisabled, tokens)
		return
	}
	row := LogRow{
		Request:  datatypes.JSON(request),
		Response: datatypes.JSON(response),
		Tokens:   tokens,
	}
	if clientIP != "" {
		ip := clientIP
		row.IP = &ip
	}

	var insertErr error
	err := s.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		insertErr = tx.Create(&row).Error
		return insertErr
	})
	if insertErr != nil {
		log.Error("failed to log request", "err", insertErr)
		s.observe(ResultInsertFailed, tokens)
		return
	}
	if err != nil {
		log.Error("failed to get database connection from pool", "err", err)
		s.observe(ResultAcquireFailed, tokens)
		return
	}
	if tokens > 0 {
		s.tokens.Add(int64(tokens))
	}
	s.observe(ResultWritten, tokens)
}

// Tokens is the in-memory running total since process start. It may lag
// concurrent writers.
func (s *Sink) Tokens() int64 {
	if s == nil {
		return 0
	}
	return s.tokens.Load()
}

// TotalTokens sums every stored row. Without a store, or if the query
// fails, it falls back to the in-memory counter.
func (s *Sink) TotalTokens(ctx context.Context) int64 {
	if !s.Enabled() {
		return s.Tokens()
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&LogRow{}).Select("COALESCE(SUM(tokens), 0)").Scan(&total).Error
	if err != nil {
		log.Warn("failed to sum logged tokens", "err", err)
		return s.Tokens()
	}
	return total
}

func (s *Sink) Close() error {
	if !s.Enabled() {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Sink) observe(result string, tokens int32) {
	if s.observer != nil {
		s.observer.ObserveAccounting(result, tokens)
	}
}
