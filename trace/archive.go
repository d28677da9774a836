package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ArchiveConfig configures the SQL archive for completed traces.
type ArchiveConfig struct {
	// Enabled turns trace archiving on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Driver selects the SQL backend: "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the data source name (file path for sqlite).
	DSN string `yaml:"dsn" json:"dsn"`
}

// DefaultArchiveConfig returns a disabled sqlite archive configuration.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Driver: "sqlite",
		DSN:    "./data/baton-traces.db",
	}
}

// ArchivedTrace is the SQL row for one completed session trace. Nested
// collections are serialized as JSON columns; the row exists for retention
// and offline inspection, not for hot-path queries.
type ArchivedTrace struct {
	ID            uint      `gorm:"primaryKey"`
	SessionID     string    `gorm:"uniqueIndex;size:64"`
	Query         string    `gorm:"type:text"`
	Strategy      string    `gorm:"size:32;index"`
	StartTime     time.Time `gorm:"index"`
	EndTime       time.Time
	Success       bool
	FinalResponse string `gorm:"type:text"`
	Agents        string `gorm:"type:text"`
	Handoffs      string `gorm:"type:text"`
	Events        string `gorm:"type:text"`
	Stages        string `gorm:"type:text"`
	Evolution     string `gorm:"type:text"`
	ArchivedAt    time.Time
}

// TableName sets the archive table name.
func (ArchivedTrace) TableName() string { return "baton_traces" }

// Archiver writes completed traces to a SQL database.
type Archiver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewArchiver opens the archive database and migrates its schema.
func NewArchiver(cfg ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trace archive: %w", err)
	}
	if err := db.AutoMigrate(&ArchivedTrace{}); err != nil {
		return nil, fmt.Errorf("migrate trace archive: %w", err)
	}

	return &Archiver{
		db:     db,
		logger: logger.With(zap.String("component", "trace_archive")),
	}, nil
}

// NewArchiverWithDB wraps an existing gorm handle (used in tests).
func NewArchiverWithDB(db *gorm.DB, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{db: db, logger: logger.With(zap.String("component", "trace_archive"))}
}

// Archive persists one completed trace. In-progress traces are rejected.
func (a *Archiver) Archive(ctx context.Context, t *Trace) error {
	if t == nil || !t.Completed || t.EndTime == nil {
		return errors.New("only completed traces can be archived")
	}

	row := &ArchivedTrace{
		SessionID:     t.SessionID,
		Query:         t.Query,
		Strategy:      t.Strategy,
		StartTime:     t.StartTime,
		EndTime:       *t.EndTime,
		Success:       t.Success,
		FinalResponse: t.FinalResponse,
		Agents:        mustJSON(t.AgentsInvolved),
		Handoffs:      mustJSON(t.Handoffs),
		Events:        mustJSON(t.Events),
		Stages:        mustJSON(t.Stages),
		Evolution:     mustJSON(t.ContextEvolution),
		ArchivedAt:    time.Now(),
	}

	if err := a.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("archive trace %s: %w", t.SessionID, err)
	}
	a.logger.Debug("trace archived",
		zap.String("session_id", t.SessionID),
		zap.Bool("success", t.Success),
	)
	return nil
}

// Load restores an archived trace by session ID.
func (a *Archiver) Load(ctx context.Context, sessionID string) (*Trace, error) {
	var row ArchivedTrace
	err := a.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("load archived trace %s: %w", sessionID, err)
	}
	return row.toTrace()
}

// ListRecent returns up to limit archived traces ordered newest-first.
func (a *Archiver) ListRecent(ctx context.Context, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ArchivedTrace
	err := a.db.WithContext(ctx).Order("start_time desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list archived traces: %w", err)
	}
	out := make([]*Trace, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTrace()
		if err != nil {
			a.logger.Warn("skipping unreadable archived trace",
				zap.String("session_id", rows[i].SessionID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (a *Archiver) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row *ArchivedTrace) toTrace() (*Trace, error) {
	end := row.EndTime
	t := &Trace{
		SessionID:     row.SessionID,
		Query:         row.Query,
		Strategy:      row.Strategy,
		StartTime:     row.StartTime,
		EndTime:       &end,
		Success:       row.Success,
		Completed:     true,
		FinalResponse: row.FinalResponse,
	}
	cols := []struct {
		raw string
		dst any
	}{
		{row.Agents, &t.AgentsInvolved},
		{row.Handoffs, &t.Handoffs},
		{row.Events, &t.Events},
		{row.Stages, &t.Stages},
		{row.Evolution, &t.ContextEvolution},
	}
	for _, c := range cols {
		if c.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return nil, fmt.Errorf("decode archived trace %s: %w", row.SessionID, err)
		}
	}
	return t, nil
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}
