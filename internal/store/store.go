package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"profiler_api/profiler"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Error wraps every failure returned by the store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// ErrorType names the failure class for status reporting.
func (e *Error) ErrorType() string { return "storage_error" }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store wraps SQL access to the aggregator and result tables. The same
// queries run on SQLite and Postgres.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database, pings it and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var sqlDriver string
	switch driver {
	case "", DriverSQLite:
		driver, sqlDriver = DriverSQLite, "sqlite"
	case DriverPostgres, "pgx":
		driver, sqlDriver = DriverPostgres, "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	zlog.Info().Str("driver", driver).Msg("database ready")
	return s, nil
}

// New wraps an existing handle without migrating it.
func New(db *sql.DB, driver string) *Store {
	if driver == "pgx" {
		driver = DriverPostgres
	}
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spot_aggregators (
			device_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			local_date TEXT,
			local_time TEXT,
			prompt TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error_type TEXT,
			error_message TEXT,
			processed_at TEXT,
			PRIMARY KEY (device_id, recorded_at)
		)`,
		`CREATE TABLE IF NOT EXISTS spot_results (
			device_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			local_date TEXT,
			local_time TEXT,
			vibe_score DOUBLE PRECISION,
			profile_result TEXT,
			summary TEXT,
			behavior TEXT,
			llm_model TEXT,
			updated_at TEXT,
			PRIMARY KEY (device_id, recorded_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spot_results_day ON spot_results(device_id, local_date)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregators (
			device_id TEXT NOT NULL,
			local_date TEXT NOT NULL,
			prompt TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error_type TEXT,
			error_message TEXT,
			processed_at TEXT,
			PRIMARY KEY (device_id, local_date)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_results (
			device_id TEXT NOT NULL,
			local_date TEXT NOT NULL,
			vibe_score DOUBLE PRECISION,
			vibe_scores TEXT,
			summary TEXT,
			burst_events TEXT,
			profile_result TEXT,
			processed_count INTEGER,
			llm_model TEXT,
			updated_at TEXT,
			PRIMARY KEY (device_id, local_date)
		)`,
		`CREATE TABLE IF NOT EXISTS weekly_aggregators (
			device_id TEXT NOT NULL,
			week_start_date TEXT NOT NULL,
			prompt TEXT,
			context TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error_type TEXT,
			error_message TEXT,
			processed_at TEXT,
			PRIMARY KEY (device_id, week_start_date)
		)`,
		`CREATE TABLE IF NOT EXISTS weekly_results (
			device_id TEXT NOT NULL,
			week_start_date TEXT NOT NULL,
			summary TEXT,
			memorable_events TEXT,
			profile_result TEXT,
			processed_count INTEGER,
			llm_model TEXT,
			updated_at TEXT,
			PRIMARY KEY (device_id, week_start_date)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

type tierTables struct {
	source  string
	result  string
	timeKey string
}

func tablesFor(tier profiler.Tier) (tierTables, error) {
	switch tier {
	case profiler.TierSpot:
		return tierTables{"spot_aggregators", "spot_results", "recorded_at"}, nil
	case profiler.TierDaily:
		return tierTables{"daily_aggregators", "daily_results", "local_date"}, nil
	case profiler.TierWeekly:
		return tierTables{"weekly_aggregators", "weekly_results", "week_start_date"}, nil
	default:
		return tierTables{}, fmt.Errorf("unknown tier %q", tier)
	}
}

// FetchSource reads the aggregator record for key. A missing record is
// reported as found=false with a nil error.
func (s *Store) FetchSource(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.Source, bool, error) {
	t, err := tablesFor(tier)
	if err != nil {
		return profiler.Source{}, false, wrap("fetch source", err)
	}

	var prompt, status, localDate, localTime, rawContext sql.NullString
	cols := []string{"prompt", "status"}
	dest := []any{&prompt, &status}
	switch tier {
	case profiler.TierSpot:
		cols = append(cols, "local_date", "local_time")
		dest = append(dest, &localDate, &localTime)
	case profiler.TierWeekly:
		cols = append(cols, "context")
		dest = append(dest, &rawContext)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = ? AND %s = ?`, strings.Join(cols, ", "), t.source, t.timeKey)
	err = s.queryRow(ctx, query, key.DeviceID, key.TimeKey).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return profiler.Source{}, false, nil
	}
	if err != nil {
		return profiler.Source{}, false, wrap("fetch source", err)
	}

	src := profiler.Source{
		Key:       key,
		Prompt:    prompt.String,
		LocalDate: localDate.String,
		LocalTime: localTime.String,
		Status:    status.String,
	}
	if rawContext.Valid && strings.TrimSpace(rawContext.String) != "" {
		var c profiler.SourceContext
		if err := json.Unmarshal([]byte(rawContext.String), &c); err != nil {
			zlog.Warn().Err(err).Str("device_id", key.DeviceID).Str("time_key", key.TimeKey).Msg("ignoring malformed aggregator context")
		} else {
			src.Context = &c
		}
	}
	return src, true, nil
}

// UpdateStatus writes the status columns of an aggregator record. Empty error
// fields are stored as NULL.
func (s *Store) UpdateStatus(ctx context.Context, tier profiler.Tier, key profiler.Key, update profiler.StatusUpdate) error {
	t, err := tablesFor(tier)
	if err != nil {
		return wrap("update status", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, error_type = ?, error_message = ?, processed_at = ? WHERE device_id = ? AND %s = ?`, t.source, t.timeKey)
	res, err := s.exec(ctx, query,
		update.Status,
		nullString(update.ErrorType),
		nullString(update.ErrorMessage),
		formatTime(update.ProcessedAt),
		key.DeviceID, key.TimeKey,
	)
	if err != nil {
		return wrap("update status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		zlog.Debug().Str("tier", string(tier)).Str("device_id", key.DeviceID).Str("time_key", key.TimeKey).Msg("status update matched no aggregator record")
	}
	return nil
}

func (s *Store) UpsertSpotResult(ctx context.Context, r profiler.SpotResult) error {
	_, err := s.exec(ctx, `INSERT INTO spot_results(device_id, recorded_at, local_date, local_time, vibe_score, profile_result, summary, behavior, llm_model, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, recorded_at) DO UPDATE SET local_date=excluded.local_date, local_time=excluded.local_time, vibe_score=excluded.vibe_score,
			profile_result=excluded.profile_result, summary=excluded.summary, behavior=excluded.behavior, llm_model=excluded.llm_model, updated_at=excluded.updated_at`,
		r.Key.DeviceID, r.Key.TimeKey,
		nullString(r.LocalDate), nullString(r.LocalTime),
		r.VibeScore,
		nullJSON(r.ProfileResult), r.Summary, r.Behavior,
		r.ModelIdentifier, formatTime(r.ProcessedAt),
	)
	return wrap("upsert spot result", err)
}

func (s *Store) UpsertDailyResult(ctx context.Context, r profiler.DailyResult) error {
	scores := r.VibeScores
	if scores == nil {
		scores = []profiler.ScorePoint{}
	}
	series, err := json.Marshal(scores)
	if err != nil {
		return wrap("upsert daily result", err)
	}
	_, err = s.exec(ctx, `INSERT INTO daily_results(device_id, local_date, vibe_score, vibe_scores, summary, burst_events, profile_result, processed_count, llm_model, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, local_date) DO UPDATE SET vibe_score=excluded.vibe_score, vibe_scores=excluded.vibe_scores, summary=excluded.summary,
			burst_events=excluded.burst_events, profile_result=excluded.profile_result, processed_count=excluded.processed_count, llm_model=excluded.llm_model, updated_at=excluded.updated_at`,
		r.Key.DeviceID, r.Key.TimeKey,
		r.VibeScore, string(series), r.Summary,
		nullJSON(r.BurstEvents), nullJSON(r.ProfileResult),
		r.ProcessedCount, r.ModelIdentifier, formatTime(r.ProcessedAt),
	)
	return wrap("upsert daily result", err)
}

func (s *Store) UpsertWeeklyResult(ctx context.Context, r profiler.WeeklyResult) error {
	_, err := s.exec(ctx, `INSERT INTO weekly_results(device_id, week_start_date, summary, memorable_events, profile_result, processed_count, llm_model, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, week_start_date) DO UPDATE SET summary=excluded.summary, memorable_events=excluded.memorable_events,
			profile_result=excluded.profile_result, processed_count=excluded.processed_count, llm_model=excluded.llm_model, updated_at=excluded.updated_at`,
		r.Key.DeviceID, r.Key.TimeKey,
		r.Summary, nullJSON(r.MemorableEvents), nullJSON(r.ProfileResult),
		r.ProcessedCount, r.ModelIdentifier, formatTime(r.ProcessedAt),
	)
	return wrap("upsert weekly result", err)
}

// ListSpotScores returns the spot results recorded on localDate for a device.
func (s *Store) ListSpotScores(ctx context.Context, deviceID, localDate string) ([]profiler.SpotScore, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT recorded_at, local_time, vibe_score FROM spot_results WHERE device_id = ? AND local_date = ? ORDER BY recorded_at`), deviceID, localDate)
	if err != nil {
		return nil, wrap("list spot scores", err)
	}
	defer rows.Close()

	var out []profiler.SpotScore
	for rows.Next() {
		var (
			recordedAt string
			localTime  sql.NullString
			score      sql.NullFloat64
		)
		if err := rows.Scan(&recordedAt, &localTime, &score); err != nil {
			return nil, wrap("list spot scores", err)
		}
		sc := profiler.SpotScore{RecordedAt: recordedAt, LocalTime: localTime.String}
		if score.Valid {
			v := score.Float64
			sc.VibeScore = &v
		}
		out = append(out, sc)
	}
	return out, wrap("list spot scores", rows.Err())
}

// ListSourceStates returns every aggregator record of tier with its status,
// newest time key first.
func (s *Store) ListSourceStates(ctx context.Context, tier profiler.Tier) ([]profiler.SourceState, error) {
	t, err := tablesFor(tier)
	if err != nil {
		return nil, wrap("list source states", err)
	}
	query := fmt.Sprintf(`SELECT device_id, %[2]s, status, processed_at FROM %[1]s ORDER BY %[2]s DESC, device_id`, t.source, t.timeKey)
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, wrap("list source states", err)
	}
	defer rows.Close()

	var out []profiler.SourceState
	for rows.Next() {
		var (
			st        profiler.SourceState
			status    sql.NullString
			processed sql.NullString
		)
		if err := rows.Scan(&st.Key.DeviceID, &st.Key.TimeKey, &status, &processed); err != nil {
			return nil, wrap("list source states", err)
		}
		st.Status = status.String
		st.ProcessedAt = parseTime(processed)
		out = append(out, st)
	}
	return out, wrap("list source states", rows.Err())
}

// GetResult returns the stored result for key encoded as JSON.
func (s *Store) GetResult(ctx context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, bool, error) {
	var (
		result any
		err    error
	)
	switch tier {
	case profiler.TierSpot:
		result, err = s.getSpotResult(ctx, key)
	case profiler.TierDaily:
		result, err = s.getDailyResult(ctx, key)
	case profiler.TierWeekly:
		result, err = s.getWeeklyResult(ctx, key)
	default:
		return nil, false, wrap("get result", fmt.Errorf("unknown tier %q", tier))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get result", err)
	}
	doc, err := json.Marshal(result)
	if err != nil {
		return nil, false, wrap("get result", err)
	}
	return doc, true, nil
}

func (s *Store) getSpotResult(ctx context.Context, key profiler.Key) (profiler.SpotResult, error) {
	var (
		localDate, localTime, profile, summary, behavior, model, updated sql.NullString
		score                                                           sql.NullFloat64
	)
	err := s.queryRow(ctx, `SELECT local_date, local_time, vibe_score, profile_result, summary, behavior, llm_model, updated_at
		FROM spot_results WHERE device_id = ? AND recorded_at = ?`, key.DeviceID, key.TimeKey).
		Scan(&localDate, &localTime, &score, &profile, &summary, &behavior, &model, &updated)
	if err != nil {
		return profiler.SpotResult{}, err
	}
	return profiler.SpotResult{
		Key:             key,
		LocalDate:       localDate.String,
		LocalTime:       localTime.String,
		VibeScore:       floatPtr(score),
		Summary:         stringPtr(summary),
		Behavior:        stringPtr(behavior),
		ProfileResult:   rawJSON(profile),
		ModelIdentifier: model.String,
		ProcessedAt:     parseTime(updated),
	}, nil
}

func (s *Store) getDailyResult(ctx context.Context, key profiler.Key) (profiler.DailyResult, error) {
	var (
		series, summary, bursts, profile, model, updated sql.NullString
		score                                            sql.NullFloat64
		count                                            sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT vibe_score, vibe_scores, summary, burst_events, profile_result, processed_count, llm_model, updated_at
		FROM daily_results WHERE device_id = ? AND local_date = ?`, key.DeviceID, key.TimeKey).
		Scan(&score, &series, &summary, &bursts, &profile, &count, &model, &updated)
	if err != nil {
		return profiler.DailyResult{}, err
	}
	points := []profiler.ScorePoint{}
	if series.Valid && series.String != "" {
		if err := json.Unmarshal([]byte(series.String), &points); err != nil {
			return profiler.DailyResult{}, fmt.Errorf("decode vibe_scores: %w", err)
		}
	}
	return profiler.DailyResult{
		Key:             key,
		VibeScore:       score.Float64,
		VibeScores:      points,
		Summary:         stringPtr(summary),
		BurstEvents:     rawJSON(bursts),
		ProfileResult:   rawJSON(profile),
		ProcessedCount:  int(count.Int64),
		ModelIdentifier: model.String,
		ProcessedAt:     parseTime(updated),
	}, nil
}

func (s *Store) getWeeklyResult(ctx context.Context, key profiler.Key) (profiler.WeeklyResult, error) {
	var (
		summary, events, profile, model, updated sql.NullString
		count                                    sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT summary, memorable_events, profile_result, processed_count, llm_model, updated_at
		FROM weekly_results WHERE device_id = ? AND week_start_date = ?`, key.DeviceID, key.TimeKey).
		Scan(&summary, &events, &profile, &count, &model, &updated)
	if err != nil {
		return profiler.WeeklyResult{}, err
	}
	r := profiler.WeeklyResult{
		Key:             key,
		Summary:         stringPtr(summary),
		MemorableEvents: rawJSON(events),
		ProfileResult:   rawJSON(profile),
		ModelIdentifier: model.String,
		ProcessedAt:     parseTime(updated),
	}
	if count.Valid {
		n := int(count.Int64)
		r.ProcessedCount = &n
	}
	return r, nil
}

// SeedSource inserts or replaces an aggregator record and resets it to
// pending. It is used by the -seed flag and tests; upstream owns these rows in
// production.
func (s *Store) SeedSource(ctx context.Context, tier profiler.Tier, src profiler.Source) error {
	status := src.Status
	if status == "" {
		status = profiler.StatusPending
	}
	var err error
	switch tier {
	case profiler.TierSpot:
		_, err = s.exec(ctx, `INSERT INTO spot_aggregators(device_id, recorded_at, local_date, local_time, prompt, status)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, recorded_at) DO UPDATE SET local_date=excluded.local_date, local_time=excluded.local_time, prompt=excluded.prompt,
				status=excluded.status, error_type=NULL, error_message=NULL, processed_at=NULL`,
			src.Key.DeviceID, src.Key.TimeKey, nullString(src.LocalDate), nullString(src.LocalTime), src.Prompt, status)
	case profiler.TierDaily:
		_, err = s.exec(ctx, `INSERT INTO daily_aggregators(device_id, local_date, prompt, status)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(device_id, local_date) DO UPDATE SET prompt=excluded.prompt,
				status=excluded.status, error_type=NULL, error_message=NULL, processed_at=NULL`,
			src.Key.DeviceID, src.Key.TimeKey, src.Prompt, status)
	case profiler.TierWeekly:
		var rawContext any
		if src.Context != nil {
			doc, merr := json.Marshal(src.Context)
			if merr != nil {
				return wrap("seed source", merr)
			}
			rawContext = string(doc)
		}
		_, err = s.exec(ctx, `INSERT INTO weekly_aggregators(device_id, week_start_date, prompt, context, status)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(device_id, week_start_date) DO UPDATE SET prompt=excluded.prompt, context=excluded.context,
				status=excluded.status, error_type=NULL, error_message=NULL, processed_at=NULL`,
			src.Key.DeviceID, src.Key.TimeKey, src.Prompt, rawContext, status)
	default:
		err = fmt.Errorf("unknown tier %q", tier)
	}
	return wrap("seed source", err)
}

// SourceStatus reads back the status columns of an aggregator record.
func (s *Store) SourceStatus(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.StatusUpdate, bool, error) {
	t, err := tablesFor(tier)
	if err != nil {
		return profiler.StatusUpdate{}, false, wrap("source status", err)
	}
	var status, errType, errMsg, processed sql.NullString
	query := fmt.Sprintf(`SELECT status, error_type, error_message, processed_at FROM %s WHERE device_id = ? AND %s = ?`, t.source, t.timeKey)
	err = s.queryRow(ctx, query, key.DeviceID, key.TimeKey).Scan(&status, &errType, &errMsg, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return profiler.StatusUpdate{}, false, nil
	}
	if err != nil {
		return profiler.StatusUpdate{}, false, wrap("source status", err)
	}
	return profiler.StatusUpdate{
		Status:       status.String,
		ErrorType:    errType.String,
		ErrorMessage: errMsg.String,
		ProcessedAt:  parseTime(processed),
	}, true, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}
