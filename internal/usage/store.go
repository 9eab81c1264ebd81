package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/sqlitedb"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DailyCostReader is the minimal interface needed by request-time middleware.
type DailyCostReader interface {
	GetDailyCostMicroUSD(ctx context.Context, accessToken, dayKey string) (int64, error)
}

// Store persists daily usage per access token and attempt counters per credential.
// The same SQL runs on sqlite and postgres; placeholders are rebound per driver.
type Store struct {
	db     *sql.DB
	driver string
	target string
}

// Open connects to the usage database. For sqlite dsn is a file path; for
// postgres it is a pgx connection string.
func Open(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("usage store: dsn is required")
	}

	var (
		db     *sql.DB
		target string
		err    error
	)
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		db, target, err = sqlitedb.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("usage store: %w", err)
		}
	case DriverPostgres:
		target = "postgres"
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("usage store: open database: %w", err)
		}
		db.SetMaxOpenConns(8)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("usage store: unsupported driver %q", driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage store: ping database: %w", err)
	}

	store := &Store{db: db, driver: driver, target: target}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("usage store: not initialized")
	}

	stmts := []string{
		`
		CREATE TABLE IF NOT EXISTS access_token_model_daily_usage (
			access_token TEXT NOT NULL,
			model TEXT NOT NULL,
			day TEXT NOT NULL,
			requests BIGINT NOT NULL,
			failed_requests BIGINT NOT NULL,
			prompt_tokens BIGINT NOT NULL,
			completion_tokens BIGINT NOT NULL,
			reasoning_tokens BIGINT NOT NULL,
			cached_tokens BIGINT NOT NULL,
			total_tokens BIGINT NOT NULL,
			estimated_requests BIGINT NOT NULL,
			cost_micro_usd BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (access_token, model, day)
		)
		`,
		`CREATE INDEX IF NOT EXISTS idx_access_token_model_daily_usage_token_day ON access_token_model_daily_usage (access_token, day)`,
		`
		CREATE TABLE IF NOT EXISTS credential_daily_attempts (
			key_index BIGINT NOT NULL,
			day TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (key_index, day, outcome)
		)
		`,
	}

	if err := sqlitedb.ApplySchema(ctx, s.db, stmts...); err != nil {
		return fmt.Errorf("usage store: %w", err)
	}
	return nil
}

// AddUsage adds delta to the (accessToken, model, day) row.
func (s *Store) AddUsage(ctx context.Context, accessToken, model, dayKey string, delta DailyUsageRow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("usage store: not initialized")
	}
	accessToken = strings.TrimSpace(accessToken)
	modelKey := policy.NormaliseModelKey(model)
	dayKey = strings.TrimSpace(dayKey)
	if accessToken == "" || modelKey == "" || dayKey == "" {
		return fmt.Errorf("usage store: invalid inputs")
	}
	if delta.Requests < 0 || delta.FailedRequests < 0 {
		return fmt.Errorf("usage store: invalid request deltas")
	}

	now := nowUnixUTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO access_token_model_daily_usage (
			access_token, model, day,
			requests, failed_requests,
			prompt_tokens, completion_tokens, reasoning_tokens, cached_tokens, total_tokens,
			estimated_requests, cost_micro_usd, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (access_token, model, day) DO UPDATE SET
			requests = access_token_model_daily_usage.requests + excluded.requests,
			failed_requests = access_token_model_daily_usage.failed_requests + excluded.failed_requests,
			prompt_tokens = access_token_model_daily_usage.prompt_tokens + excluded.prompt_tokens,
			completion_tokens = access_token_model_daily_usage.completion_tokens + excluded.completion_tokens,
			reasoning_tokens = access_token_model_daily_usage.reasoning_tokens + excluded.reasoning_tokens,
			cached_tokens = access_token_model_daily_usage.cached_tokens + excluded.cached_tokens,
			total_tokens = access_token_model_daily_usage.total_tokens + excluded.total_tokens,
			estimated_requests = access_token_model_daily_usage.estimated_requests + excluded.estimated_requests,
			cost_micro_usd = access_token_model_daily_usage.cost_micro_usd + excluded.cost_micro_usd,
			updated_at = excluded.updated_at
	`), accessToken, modelKey, dayKey,
		max64(0, delta.Requests), max64(0, delta.FailedRequests),
		max64(0, delta.PromptTokens), max64(0, delta.CompletionTokens), max64(0, delta.ReasoningTokens),
		max64(0, delta.CachedTokens), max64(0, delta.TotalTokens),
		max64(0, delta.EstimatedRequests), max64(0, delta.CostMicroUSD), now,
	)
	if err != nil {
		return fmt.Errorf("usage store: add usage: %w", err)
	}
	return nil
}

// AddAttempt increments the attempt counter of credential keyIndex for outcome.
func (s *Store) AddAttempt(ctx context.Context, keyIndex int, dayKey, outcome string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("usage store: not initialized")
	}
	dayKey = strings.TrimSpace(dayKey)
	outcome = strings.TrimSpace(outcome)
	if keyIndex < 0 || dayKey == "" || outcome == "" {
		return fmt.Errorf("usage store: invalid inputs")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO credential_daily_attempts (key_index, day, outcome, attempts, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (key_index, day, outcome) DO UPDATE SET
			attempts = credential_daily_attempts.attempts + 1,
			updated_at = excluded.updated_at
	`), keyIndex, dayKey, outcome, nowUnixUTC())
	if err != nil {
		return fmt.Errorf("usage store: add attempt: %w", err)
	}
	return nil
}

func (s *Store) GetDailyCostMicroUSD(ctx context.Context, accessToken, dayKey string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("usage store: not initialized")
	}
	accessToken = strings.TrimSpace(accessToken)
	dayKey = strings.TrimSpace(dayKey)
	if accessToken == "" || dayKey == "" {
		return 0, fmt.Errorf("usage store: invalid inputs")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(SUM(cost_micro_usd), 0)
		FROM access_token_model_daily_usage
		WHERE access_token = ? AND day = ?
	`), accessToken, dayKey)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("usage store: daily cost: %w", err)
	}
	return total, nil
}

func (s *Store) GetDailyUsageReport(ctx context.Context, accessToken, dayKey string) (DailyUsageReport, error) {
	report := DailyUsageReport{
		AccessToken:     strings.TrimSpace(accessToken),
		Day:             strings.TrimSpace(dayKey),
		GeneratedAtUnix: nowUnixUTC(),
	}
	if report.AccessToken == "" || report.Day == "" {
		return report, fmt.Errorf("usage store: access token and day are required")
	}
	if s == nil || s.db == nil {
		return report, fmt.Errorf("usage store: not initialized")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT
			access_token, model, day,
			requests, failed_requests,
			prompt_tokens, completion_tokens, reasoning_tokens, cached_tokens, total_tokens,
			estimated_requests, cost_micro_usd, updated_at
		FROM access_token_model_daily_usage
		WHERE access_token = ? AND day = ?
		ORDER BY model ASC
	`), report.AccessToken, report.Day)
	if err != nil {
		return report, fmt.Errorf("usage store: query daily usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row DailyUsageRow
		if err := rows.Scan(
			&row.AccessToken, &row.Model, &row.Day,
			&row.Requests, &row.FailedRequests,
			&row.PromptTokens, &row.CompletionTokens, &row.ReasoningTokens, &row.CachedTokens, &row.TotalTokens,
			&row.EstimatedRequests, &row.CostMicroUSD, &row.UpdatedAt,
		); err != nil {
			return report, fmt.Errorf("usage store: scan daily usage: %w", err)
		}
		report.TotalCostMicro += row.CostMicroUSD
		report.TotalRequests += row.Requests
		report.TotalFailed += row.FailedRequests
		report.TotalTokens += row.TotalTokens
		report.Models = append(report.Models, row)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("usage store: daily usage rows: %w", err)
	}
	report.TotalCostUSD = MicroUSDToUSD(report.TotalCostMicro)
	return report, nil
}

// GetCredentialUsage lists attempt counters for dayKey ordered by key index and outcome.
func (s *Store) GetCredentialUsage(ctx context.Context, dayKey string) (CredentialUsageReport, error) {
	report := CredentialUsageReport{Day: strings.TrimSpace(dayKey), GeneratedAtUnix: nowUnixUTC()}
	if report.Day == "" {
		return report, fmt.Errorf("usage store: day is required")
	}
	if s == nil || s.db == nil {
		return report, fmt.Errorf("usage store: not initialized")
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT key_index, day, outcome, attempts, updated_at
		FROM credential_daily_attempts
		WHERE day = ?
		ORDER BY key_index ASC, outcome ASC
	`), report.Day)
	if err != nil {
		return report, fmt.Errorf("usage store: query credential usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row CredentialAttemptRow
		var idx int64
		if err := rows.Scan(&idx, &row.Day, &row.Outcome, &row.Attempts, &row.UpdatedAt); err != nil {
			return report, fmt.Errorf("usage store: scan credential usage: %w", err)
		}
		row.KeyIndex = int(idx)
		report.TotalAttempts += row.Attempts
		report.Credentials = append(report.Credentials, row)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("usage store: credential usage rows: %w", err)
	}
	return report, nil
}
