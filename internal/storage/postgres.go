package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "autopost/pkg/logx"
)

type pgExecution struct {
	ID         uint64    `gorm:"primaryKey"`
	RunID      string    `gorm:"type:text;not null"`
	JobName    string    `gorm:"type:text;not null;index:idx_pg_exec_job,priority:1"`
	Attempt    int       `gorm:"not null"`
	Outcome    string    `gorm:"type:text;not null"`
	StartedAt  time.Time `gorm:"type:timestamptz;not null"`
	FinishedAt time.Time `gorm:"type:timestamptz;not null"`
	Err        *string   `gorm:"type:text"`
}

func (pgExecution) TableName() string { return "executions" }

type pgItem struct {
	ID          string    `gorm:"primaryKey;type:text"`
	Title       string    `gorm:"type:text;not null;default:''"`
	PublishedAt time.Time `gorm:"type:timestamptz;not null;index"`
}

func (pgItem) TableName() string { return "items" }

type pgSample struct {
	ItemID     string    `gorm:"primaryKey;type:text"`
	CapturedAt time.Time `gorm:"primaryKey;type:timestamptz;index"`
	Views      int64     `gorm:"not null"`
	Likes      int64     `gorm:"not null"`
	Comments   int64     `gorm:"not null"`
	CTR        float64   `gorm:"column:ctr;not null"`
	Revenue    *float64
}

func (pgSample) TableName() string { return "samples" }

type pgFallbackState struct {
	ID                int        `gorm:"primaryKey"`
	Mode              string     `gorm:"type:text;not null"`
	ConsecutiveErrors int        `gorm:"not null"`
	LastErrorAt       *time.Time `gorm:"type:timestamptz"`
	LastCheckAt       *time.Time `gorm:"type:timestamptz"`
	EnteredAt         *time.Time `gorm:"type:timestamptz"`
}

func (pgFallbackState) TableName() string { return "fallback_state" }

type pgFire struct {
	Job     string    `gorm:"primaryKey;type:text"`
	FiredAt time.Time `gorm:"type:timestamptz;not null"`
}

func (pgFire) TableName() string { return "fires" }

type pgDedup struct {
	DedupKey string    `gorm:"primaryKey;type:text"`
	Until    time.Time `gorm:"type:timestamptz;not null;index"`
}

func (pgDedup) TableName() string { return "dedup" }

// pgStore implements Store on PostgreSQL through gorm.
type pgStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(
		&pgExecution{},
		&pgItem{},
		&pgSample{},
		&pgFallbackState{},
		&pgFire{},
		&pgDedup{},
	); err != nil {
		return nil, err
	}
	return &pgStore{db: gdb, log: log}, nil
}

func (s *pgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *pgStore) AppendExecution(ctx context.Context, r ExecutionRecord) error {
	row := pgExecution{
		RunID:      r.RunID,
		JobName:    r.JobName,
		Attempt:    r.Attempt,
		Outcome:    r.Outcome,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Error != "" {
		row.Err = &r.Error
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *pgStore) RecentExecutions(ctx context.Context, job string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("id desc").Limit(limit)
	if job != "" {
		q = q.Where("job_name = ?", job)
	}
	var rows []pgExecution
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		rec := ExecutionRecord{
			RunID:      r.RunID,
			JobName:    r.JobName,
			Attempt:    r.Attempt,
			Outcome:    r.Outcome,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
		if r.Err != nil {
			rec.Error = *r.Err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *pgStore) UpsertItem(ctx context.Context, it Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return nil
	}
	row := pgItem{ID: it.ID, Title: it.Title, PublishedAt: it.PublishedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "published_at"}),
	}).Create(&row).Error
}

func (s *pgStore) ListItems(ctx context.Context, since time.Time) ([]Item, error) {
	var rows []pgItem
	q := s.db.WithContext(ctx).Order("published_at, id")
	if !since.IsZero() {
		q = q.Where("published_at >= ?", since)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, Item{ID: r.ID, Title: r.Title, PublishedAt: r.PublishedAt})
	}
	return out, nil
}

func (s *pgStore) AppendSample(ctx context.Context, smp Sample) error {
	row := pgSample{
		ItemID:     smp.ItemID,
		CapturedAt: smp.CapturedAt,
		Views:      smp.Views,
		Likes:      smp.Likes,
		Comments:   smp.Comments,
		CTR:        smp.CTR,
		Revenue:    smp.Revenue,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func fromPGSample(r pgSample) Sample {
	return Sample{
		ItemID:     r.ItemID,
		CapturedAt: r.CapturedAt,
		Views:      r.Views,
		Likes:      r.Likes,
		Comments:   r.Comments,
		CTR:        r.CTR,
		Revenue:    r.Revenue,
	}
}

func (s *pgStore) LatestSample(ctx context.Context, itemID string) (Sample, bool, error) {
	var row pgSample
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Order("captured_at desc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, err
	}
	return fromPGSample(row), true, nil
}

func (s *pgStore) QuerySamples(ctx context.Context, start, end time.Time) ([]Sample, error) {
	var rows []pgSample
	err := s.db.WithContext(ctx).
		Where("captured_at >= ? AND captured_at < ?", start, end).
		Order("captured_at, item_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromPGSample(r))
	}
	return out, nil
}

func (s *pgStore) LoadFallbackState(ctx context.Context) (FallbackState, bool, error) {
	var row pgFallbackState
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FallbackState{}, false, nil
	}
	if err != nil {
		return FallbackState{}, false, err
	}
	return FallbackState{
		Mode:                   row.Mode,
		ConsecutiveQuotaErrors: row.ConsecutiveErrors,
		LastErrorAt:            row.LastErrorAt,
		LastRecoveryCheckAt:    row.LastCheckAt,
		EnteredFallbackAt:      row.EnteredAt,
	}, true, nil
}

func (s *pgStore) SaveFallbackState(ctx context.Context, st FallbackState) error {
	row := pgFallbackState{
		ID:                1,
		Mode:              st.Mode,
		ConsecutiveErrors: st.ConsecutiveQuotaErrors,
		LastErrorAt:       st.LastErrorAt,
		LastCheckAt:       st.LastRecoveryCheckAt,
		EnteredAt:         st.EnteredFallbackAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *pgStore) LastFire(ctx context.Context, job string) (time.Time, bool, error) {
	var row pgFire
	err := s.db.WithContext(ctx).Where("job = ?", job).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.FiredAt, true, nil
}

func (s *pgStore) PutLastFire(ctx context.Context, job string, at time.Time) error {
	row := pgFire{Job: job, FiredAt: at}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	row := pgDedup{DedupKey: key, Until: until}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var row pgDedup
	err := s.db.WithContext(ctx).Where("dedup_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.Until, true, nil
}
