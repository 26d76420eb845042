package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	logx "autopost/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_mysql.sql
var migrationsFS embed.FS

// dialect covers the differences between the database/sql backends.
type dialect struct {
	name       string
	migrations string
	insertOnce string // insert that ignores primary key collisions
}

var (
	sqliteDialect = dialect{name: "sqlite", migrations: "migrations_sqlite.sql", insertOnce: "INSERT OR IGNORE INTO"}
	mysqlDialect  = dialect{name: "mysql", migrations: "migrations_mysql.sql", insertOnce: "INSERT IGNORE INTO"}
)

// upsert builds an insert-or-update statement for table keyed by key.
func (d dialect) upsert(table, key string, cols ...string) string {
	all := append([]string{key}, cols...)
	marks := strings.TrimSuffix(strings.Repeat("?,", len(all)), ",")
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if d.name == "mysql" {
			sets = append(sets, c+"=VALUES("+c+")")
		} else {
			sets = append(sets, c+"=excluded."+c)
		}
	}
	stmt := "INSERT INTO " + table + "(" + strings.Join(all, ",") + ") VALUES(" + marks + ")"
	if d.name == "mysql" {
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ",")
	}
	return stmt + " ON CONFLICT(" + key + ") DO UPDATE SET " + strings.Join(sets, ",")
}

// sqlStore implements Store over database/sql for SQLite and MySQL.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, sqliteDialect, log)
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	if mc.Timeout == 0 {
		mc.Timeout = 5 * time.Second
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(context.Background(), mc.Timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return newSQLStore(db, mysqlDialect, log)
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendExecution(ctx context.Context, r ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(run_id, job_name, attempt, outcome, started_at, finished_at, err) VALUES(?,?,?,?,?,?,?)`,
		r.RunID, r.JobName, r.Attempt, r.Outcome, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), nullStr(r.Error),
	)
	return err
}

func (s *sqlStore) RecentExecutions(ctx context.Context, job string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, job_name, attempt, outcome, started_at, finished_at, err FROM executions`
	args := []any{}
	if job != "" {
		q += ` WHERE job_name = ?`
		args = append(args, job)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			r          ExecutionRecord
			start, end int64
			msg        sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.JobName, &r.Attempt, &r.Outcome, &start, &end, &msg); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt, r.Error = timeFromMS(start), timeFromMS(end), msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertItem(ctx context.Context, it Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.upsert("items", "id", "title", "published_at"),
		it.ID, it.Title, it.PublishedAt.UnixMilli())
	return err
}

func (s *sqlStore) ListItems(ctx context.Context, since time.Time) ([]Item, error) {
	sinceMS := int64(math.MinInt64)
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, published_at FROM items WHERE published_at >= ? ORDER BY published_at, id`, sinceMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it Item
			ms int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &ms); err != nil {
			return nil, err
		}
		it.PublishedAt = timeFromMS(ms)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendSample(ctx context.Context, smp Sample) error {
	var rev any
	if smp.Revenue != nil {
		rev = *smp.Revenue
	}
	_, err := s.db.ExecContext(ctx,
		s.d.insertOnce+` samples(item_id, captured_at, views, likes, comments, ctr, revenue) VALUES(?,?,?,?,?,?,?)`,
		smp.ItemID, smp.CapturedAt.UnixMilli(), smp.Views, smp.Likes, smp.Comments, smp.CTR, rev,
	)
	return err
}

const sampleCols = `item_id, captured_at, views, likes, comments, ctr, revenue`

func scanSample(sc interface{ Scan(...any) error }) (Sample, error) {
	var (
		smp Sample
		ms  int64
		rev sql.NullFloat64
	)
	if err := sc.Scan(&smp.ItemID, &ms, &smp.Views, &smp.Likes, &smp.Comments, &smp.CTR, &rev); err != nil {
		return Sample{}, err
	}
	smp.CapturedAt = timeFromMS(ms)
	if rev.Valid {
		v := rev.Float64
		smp.Revenue = &v
	}
	return smp, nil
}

func (s *sqlStore) LatestSample(ctx context.Context, itemID string) (Sample, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE item_id = ? ORDER BY captured_at DESC LIMIT 1`, itemID)
	smp, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, err
	}
	return smp, true, nil
}

func (s *sqlStore) QuerySamples(ctx context.Context, start, end time.Time) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE captured_at >= ? AND captured_at < ? ORDER BY captured_at, item_id`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *sqlStore) LoadFallbackState(ctx context.Context) (FallbackState, bool, error) {
	var (
		st                  FallbackState
		lastErr, check, ent sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, consecutive_errors, last_error_at, last_check_at, entered_at FROM fallback_state WHERE id = 1`,
	).Scan(&st.Mode, &st.ConsecutiveQuotaErrors, &lastErr, &check, &ent)
	if errors.Is(err, sql.ErrNoRows) {
		return FallbackState{}, false, nil
	}
	if err != nil {
		return FallbackState{}, false, err
	}
	st.LastErrorAt = timePtrFromMS(nullInt(lastErr))
	st.LastRecoveryCheckAt = timePtrFromMS(nullInt(check))
	st.EnteredFallbackAt = timePtrFromMS(nullInt(ent))
	return st, true, nil
}

func (s *sqlStore) SaveFallbackState(ctx context.Context, st FallbackState) error {
	_, err := s.db.ExecContext(ctx,
		s.d.upsert("fallback_state", "id", "mode", "consecutive_errors", "last_error_at", "last_check_at", "entered_at"),
		1, st.Mode, st.ConsecutiveQuotaErrors, msOrNil(st.LastErrorAt), msOrNil(st.LastRecoveryCheckAt), msOrNil(st.EnteredFallbackAt),
	)
	return err
}

func (s *sqlStore) LastFire(ctx context.Context, job string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT fired_at FROM fires WHERE job = ?`, job).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return timeFromMS(ms), true, nil
}

func (s *sqlStore) PutLastFire(ctx context.Context, job string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.d.upsert("fires", "job", "fired_at"), job, at.UnixMilli())
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.upsert("dedup", "dedup_key", "until_ms"), key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE dedup_key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
