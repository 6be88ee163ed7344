package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/pkg/api"
)

// Store is the Postgres-backed persistence layer. All mutations are durable
// before the call returns; the database runs with synchronous commits.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects, verifies the connection and runs the idempotent migrations.
// A failure here is fatal to the process by contract.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, log: logging.Component("store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the pool for components that share the connection (platform
// relational probe).
func (s *Store) DB() *sql.DB { return s.db }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS plugins (
		plugin_key     TEXT PRIMARY KEY,
		manifest_id    TEXT NOT NULL,
		manifest       JSONB NOT NULL,
		status         TEXT NOT NULL,
		container_id   TEXT NOT NULL DEFAULT '',
		container_name TEXT NOT NULL DEFAULT '',
		host_port      INTEGER NOT NULL DEFAULT 0,
		config         JSONB NOT NULL DEFAULT '{}',
		env            JSONB NOT NULL DEFAULT '{}',
		health_state   TEXT NOT NULL DEFAULT 'unknown',
		last_error     TEXT NOT NULL DEFAULT '',
		installed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at     TIMESTAMPTZ,
		stopped_at     TIMESTAMPTZ,
		last_probe_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS plugins_manifest_id_idx ON plugins (manifest_id)`,
	`CREATE TABLE IF NOT EXISTS plugin_events (
		id         BIGSERIAL PRIMARY KEY,
		plugin_key TEXT NOT NULL,
		kind       TEXT NOT NULL,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS plugin_events_key_idx ON plugin_events (plugin_key, id DESC)`,
	`CREATE TABLE IF NOT EXISTS plugin_sources (
		source_id       TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL,
		kind            TEXT NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT true,
		priority        INTEGER NOT NULL DEFAULT 100,
		is_default      BOOLEAN NOT NULL DEFAULT false,
		last_fetched_at TIMESTAMPTZ,
		last_error      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS plugin_updates (
		id                BIGSERIAL PRIMARY KEY,
		plugin_key        TEXT NOT NULL,
		from_version      TEXT NOT NULL,
		to_version        TEXT NOT NULL,
		action            TEXT NOT NULL,
		actor             TEXT NOT NULL DEFAULT '',
		previous_manifest JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS plugin_updates_key_idx ON plugin_updates (plugin_key, id DESC)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// storageErr wraps a runtime store failure in the StorageFailure code and
// bumps the warning counter. In-memory state stays authoritative upstream.
func (s *Store) storageErr(op string, err error) error {
	metrics.StoreWriteFailures.Inc()
	s.log.Warn().Err(err).Str("op", op).Msg("store operation failed")
	return api.WrapError(api.ErrCodeStorageFailure, err, "store %s failed", op)
}

// ============================================================================
// Plugins
// ============================================================================

const pluginColumns = `plugin_key, manifest_id, manifest, status, container_id,
	container_name, host_port, config, env, health_state, last_error,
	installed_at, started_at, stopped_at, last_probe_at`

// UpsertPlugin inserts or fully updates the row keyed by plugin_key. A fresh
// insert that collides on manifest_id surfaces Conflict.
func (s *Store) UpsertPlugin(ctx context.Context, p *PluginInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugins (`+pluginColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (plugin_key) DO UPDATE SET
			manifest = EXCLUDED.manifest,
			status = EXCLUDED.status,
			container_id = EXCLUDED.container_id,
			container_name = EXCLUDED.container_name,
			host_port = EXCLUDED.host_port,
			config = EXCLUDED.config,
			env = EXCLUDED.env,
			health_state = EXCLUDED.health_state,
			last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at,
			stopped_at = EXCLUDED.stopped_at,
			last_probe_at = EXCLUDED.last_probe_at`,
		p.PluginKey, p.ManifestID, ManifestColumn{*p.Manifest}, p.Status, p.ContainerID,
		p.ContainerName, p.HostPort, JSONMap(p.Config), StringMap(p.Env), p.HealthState,
		p.LastError, p.InstalledAt, p.StartedAt, p.StoppedAt, p.LastProbeAt)
	if err != nil {
		if strings.Contains(err.Error(), "plugins_manifest_id_idx") {
			return api.WrapError(api.ErrCodeAlreadyInstalled, err,
				"plugin %s already installed", p.ManifestID)
		}
		return s.storageErr("upsert plugin", err)
	}
	return nil
}

// Patchable plugin columns; anything else in a delta is rejected.
var patchColumns = map[string]string{
	"status":      "status",
	"containerId": "container_id",
	"hostPort":    "host_port",
	"healthState": "health_state",
	"lastError":   "last_error",
	"startedAt":   "started_at",
	"stoppedAt":   "stopped_at",
	"lastProbeAt": "last_probe_at",
	"manifest":    "manifest",
	"config":      "config",
	"env":         "env",
}

// PatchPlugin applies a partial update. An absent key is not an error; the
// zero row count is only logged.
func (s *Store) PatchPlugin(ctx context.Context, pluginKey string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}
	sets := make([]string, 0, len(delta))
	args := []any{pluginKey}
	for field, value := range delta {
		col, ok := patchColumns[field]
		if !ok {
			return api.NewError(api.ErrCodeInternal, "unpatchable field %q", field)
		}
		if m, ok := value.(*manifest.Manifest); ok {
			value = ManifestColumn{*m}
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET `+strings.Join(sets, ", ")+` WHERE plugin_key = $1`, args...)
	if err != nil {
		return s.storageErr("patch plugin", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Debug().Str("pluginKey", pluginKey).Msg("patch matched no row")
	}
	return nil
}

// DeletePlugin removes the row. Missing rows are not an error.
func (s *Store) DeletePlugin(ctx context.Context, pluginKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugins WHERE plugin_key = $1`, pluginKey); err != nil {
		return s.storageErr("delete plugin", err)
	}
	return nil
}

// GetPlugin loads one instance by key.
func (s *Store) GetPlugin(ctx context.Context, pluginKey string) (*PluginInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE plugin_key = $1`, pluginKey)
	return scanPlugin(row)
}

// GetPluginByManifestID loads one instance by its manifest id.
func (s *Store) GetPluginByManifestID(ctx context.Context, manifestID string) (*PluginInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE manifest_id = $1`, manifestID)
	return scanPlugin(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPlugin(row rowScanner) (*PluginInstance, error) {
	var (
		p   PluginInstance
		mc  ManifestColumn
		cfg JSONMap
		env StringMap
	)
	err := row.Scan(&p.PluginKey, &p.ManifestID, &mc, &p.Status, &p.ContainerID,
		&p.ContainerName, &p.HostPort, &cfg, &env, &p.HealthState, &p.LastError,
		&p.InstalledAt, &p.StartedAt, &p.StoppedAt, &p.LastProbeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.ErrCodeNotFound, "plugin not found")
	}
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "load plugin")
	}
	p.Manifest = &mc.Manifest
	p.Config = cfg
	p.Env = env
	return &p, nil
}

// ListPlugins returns instances matching the filter, newest install first.
func (s *Store) ListPlugins(ctx context.Context, filter PluginFilter) ([]*PluginInstance, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins`
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.ManifestIDs) > 0 {
		placeholders := make([]string, 0, len(filter.ManifestIDs))
		for _, id := range filter.ManifestIDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, "manifest_id IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY installed_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "list plugins")
	}
	defer rows.Close()

	var out []*PluginInstance
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUsedHostPorts returns every recorded allocation.
func (s *Store) GetUsedHostPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host_port FROM plugins WHERE host_port > 0`)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "list host ports")
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, api.WrapError(api.ErrCodeStorageFailure, err, "scan host port")
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// ============================================================================
// Events
// ============================================================================

// AppendEvent writes one lifecycle event. At-least-once: a failure is logged
// and counted but never cascades to the caller's lifecycle operation.
func (s *Store) AppendEvent(ctx context.Context, rec api.EventRecord) {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_events (plugin_key, kind, payload, created_at) VALUES ($1,$2,$3,$4)`,
		rec.PluginKey, rec.Kind, []byte(payload), rec.Timestamp)
	if err != nil {
		metrics.StoreWriteFailures.Inc()
		s.log.Warn().Err(err).Str("kind", rec.Kind).Msg("append event failed")
	}
}

// ListEvents returns the most recent events for one plugin, oldest first.
func (s *Store) ListEvents(ctx context.Context, pluginKey string, limit int) ([]api.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_key, kind, payload, created_at FROM (
			SELECT plugin_key, kind, payload, created_at, id
			FROM plugin_events WHERE plugin_key = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, pluginKey, limit)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "list events")
	}
	defer rows.Close()

	var out []api.EventRecord
	for rows.Next() {
		var rec api.EventRecord
		var payload []byte
		if err := rows.Scan(&rec.PluginKey, &rec.Kind, &payload, &rec.Timestamp); err != nil {
			return nil, api.WrapError(api.ErrCodeStorageFailure, err, "scan event")
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// Update history
// ============================================================================

// historyRetention keeps the latest two versions per plugin, the minimum that
// still supports rollback.
const historyRetention = 2

// RecordUpdate appends a history entry and prunes beyond the retention count.
func (s *Store) RecordUpdate(ctx context.Context, e UpdateHistoryEntry) error {
	var prev any
	if e.PreviousManifest != nil {
		prev = ManifestColumn{*e.PreviousManifest}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_updates (plugin_key, from_version, to_version, action, actor, previous_manifest, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.PluginKey, e.FromVersion, e.ToVersion, e.Action, e.Actor, prev, e.Timestamp)
	if err != nil {
		return s.storageErr("record update", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM plugin_updates WHERE plugin_key = $1 AND id NOT IN (
			SELECT id FROM plugin_updates WHERE plugin_key = $1 ORDER BY id DESC LIMIT $2
		)`, e.PluginKey, historyRetention)
	if err != nil {
		s.log.Warn().Err(err).Msg("prune update history failed")
	}
	return nil
}

// ListHistory returns the retained history, newest first.
func (s *Store) ListHistory(ctx context.Context, pluginKey string) ([]UpdateHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_key, from_version, to_version, action, actor, previous_manifest, created_at
		FROM plugin_updates WHERE plugin_key = $1 ORDER BY id DESC`, pluginKey)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "list history")
	}
	defer rows.Close()

	var out []UpdateHistoryEntry
	for rows.Next() {
		var e UpdateHistoryEntry
		var prev []byte
		if err := rows.Scan(&e.PluginKey, &e.FromVersion, &e.ToVersion, &e.Action,
			&e.Actor, &prev, &e.Timestamp); err != nil {
			return nil, api.WrapError(api.ErrCodeStorageFailure, err, "scan history")
		}
		if len(prev) > 0 {
			var m manifest.Manifest
			if err := json.Unmarshal(prev, &m); err == nil {
				e.PreviousManifest = &m
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Sources
// ============================================================================

// UpsertSource inserts or updates a source registration by id.
func (s *Store) UpsertSource(ctx context.Context, src *SourceRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_sources (source_id, name, url, kind, enabled, priority, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (source_id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			is_default = EXCLUDED.is_default`,
		src.SourceID, src.Name, src.URL, src.Kind, src.Enabled, src.Priority, src.IsDefault)
	if err != nil {
		return s.storageErr("upsert source", err)
	}
	return nil
}

// ListSources returns every registration ordered by priority.
func (s *Store) ListSources(ctx context.Context) ([]*SourceRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, name, url, kind, enabled, priority, is_default, last_fetched_at, last_error
		FROM plugin_sources ORDER BY priority ASC, source_id ASC`)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeStorageFailure, err, "list sources")
	}
	defer rows.Close()

	var out []*SourceRegistration
	for rows.Next() {
		var src SourceRegistration
		if err := rows.Scan(&src.SourceID, &src.Name, &src.URL, &src.Kind, &src.Enabled,
			&src.Priority, &src.IsDefault, &src.LastFetchedAt, &src.LastError); err != nil {
			return nil, api.WrapError(api.ErrCodeStorageFailure, err, "scan source")
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

// DeleteSource removes a user-owned source. Default sources cannot be deleted,
// only disabled.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	var isDefault bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_default FROM plugin_sources WHERE source_id = $1`, sourceID).Scan(&isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NewError(api.ErrCodeNotFound, "source %s not found", sourceID)
	}
	if err != nil {
		return s.storageErr("delete source", err)
	}
	if isDefault {
		return api.NewError(api.ErrCodeValidation, "default source %s cannot be deleted, disable it instead", sourceID)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_sources WHERE source_id = $1`, sourceID); err != nil {
		return s.storageErr("delete source", err)
	}
	return nil
}

// SetSourceEnabled toggles a source.
func (s *Store) SetSourceEnabled(ctx context.Context, sourceID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_sources SET enabled = $2 WHERE source_id = $1`, sourceID, enabled)
	if err != nil {
		return s.storageErr("toggle source", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewError(api.ErrCodeNotFound, "source %s not found", sourceID)
	}
	return nil
}

// RecordSourceFetch stores the outcome of the latest fetch attempt.
func (s *Store) RecordSourceFetch(ctx context.Context, sourceID string, fetchedAt time.Time, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE plugin_sources SET last_fetched_at = $2, last_error = $3
		WHERE source_id = $1`, sourceID, fetchedAt, msg); err != nil {
		return s.storageErr("record source fetch", err)
	}
	return nil
}
