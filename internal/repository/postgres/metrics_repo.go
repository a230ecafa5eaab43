package postgres

/*
MetricsRepo - альтернативное зеркало суточных счётчиков в PostgreSQL.
Save принимает полный снимок: строки upsert-ятся, а даты, которых в снимке нет
(срезаны retention), удаляются. Всё в одной транзакции.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
)

const dateLayout = "2006-01-02"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS failsafe_daily_metrics (
	date              DATE PRIMARY KEY,
	requests          BIGINT NOT NULL DEFAULT 0,
	errors            BIGINT NOT NULL DEFAULT 0,
	validations       BIGINT NOT NULL DEFAULT 0,
	rule_triggers     BIGINT NOT NULL DEFAULT 0,
	task_events       BIGINT NOT NULL DEFAULT 0,
	avg_response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_samples  BIGINT NOT NULL DEFAULT 0,
	unique_users      BIGINT NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const upsertSQL = `
INSERT INTO failsafe_daily_metrics
	(date, requests, errors, validations, rule_triggers, task_events, avg_response_time, response_samples, unique_users, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (date) DO UPDATE SET
	requests = EXCLUDED.requests,
	errors = EXCLUDED.errors,
	validations = EXCLUDED.validations,
	rule_triggers = EXCLUDED.rule_triggers,
	task_events = EXCLUDED.task_events,
	avg_response_time = EXCLUDED.avg_response_time,
	response_samples = EXCLUDED.response_samples,
	unique_users = EXCLUDED.unique_users,
	updated_at = NOW()`

type MetricsRepo struct {
	pool *pgxpool.Pool
}

// NewMetricsRepo открывает пул. Доступность базы проверяется через Ping.
func NewMetricsRepo(ctx context.Context, connString string, maxConns int32) (*MetricsRepo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	return &MetricsRepo{pool: pool}, nil
}

// EnsureSchema создаёт таблицу, если её нет.
func (r *MetricsRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (r *MetricsRepo) Load(ctx context.Context) (map[string]domain.DailyMetrics, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, requests, errors, validations, rule_triggers, task_events,
		       avg_response_time, response_samples, unique_users
		FROM failsafe_daily_metrics`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load metrics: %w", err)
	}
	defer rows.Close()

	days := make(map[string]domain.DailyMetrics)
	for rows.Next() {
		var (
			d    domain.DailyMetrics
			date time.Time
		)
		if err := rows.Scan(&date, &d.Requests, &d.Errors, &d.Validations, &d.RuleTriggers,
			&d.TaskEvents, &d.AvgResponseTime, &d.ResponseSamples, &d.UniqueUsers); err != nil {
			return nil, fmt.Errorf("postgres: scan metrics: %w", err)
		}
		d.Date = date.Format(dateLayout)
		days[d.Date] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate metrics: %w", err)
	}
	return days, nil
}

func (r *MetricsRepo) Save(ctx context.Context, days map[string]domain.DailyMetrics) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	// после Commit откат - no-op
	defer func() { _ = tx.Rollback(ctx) }()

	dates := make([]string, 0, len(days))
	batch := &pgx.Batch{}
	for date, d := range days {
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			return fmt.Errorf("postgres: bad metrics date %q: %w", date, err)
		}
		dates = append(dates, date)
		batch.Queue(upsertSQL, day, d.Requests, d.Errors, d.Validations, d.RuleTriggers,
			d.TaskEvents, d.AvgResponseTime, d.ResponseSamples, d.UniqueUsers)
	}
	batch.Queue(`DELETE FROM failsafe_daily_metrics WHERE NOT (date::text = ANY($1))`, dates)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save metrics: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Ping проверяет доступность базы при старте
func (r *MetricsRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// HealthCheck - доступность базы для проверок здоровья.
func (r *MetricsRepo) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	stat := r.pool.Stat()
	details := map[string]any{
		"totalConns":    stat.TotalConns(),
		"acquiredConns": stat.AcquiredConns(),
	}
	status := domain.StatusHealthy
	if err := r.Ping(ctx); err != nil {
		status = domain.StatusUnhealthy
		details["error"] = err.Error()
	}
	return domain.HealthCheckResult{Name: "postgres", Status: status, Details: details}
}

func (r *MetricsRepo) Close() {
	r.pool.Close()
}
