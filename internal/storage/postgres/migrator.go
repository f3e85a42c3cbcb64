package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsGlob   = "sql/migrations/*.sql"
	migrationLockKey = int64(10824702)
	migrationTimeout = 5 * time.Second

	// checksum добавлен позже таблицы, поэтому ALTER для старых баз.
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

	// ErrMigrationDrift: применённая миграция изменена после применения.
	ErrMigrationDrift = errors.New("applied migration changed on disk")

	errStoreNotInitialized = errors.New("postgres store is not initialized")
)

// MigrationDirection задаёт направление применения миграций.
type MigrationDirection string

const (
	MigrationUp   MigrationDirection = "up"
	MigrationDown MigrationDirection = "down"
)

// MigrationState описывает состояние схемы. Modified считает применённые
// миграции, чей up-скрипт отличается от записанной контрольной суммы.
type MigrationState struct {
	Version  int64
	Applied  int
	Pending  int
	Modified int
}

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) id() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// appliedMigration — строка schema_migrations. Пустой checksum означает,
// что миграция применена до появления колонки.
type appliedMigration struct {
	Version  int64
	Checksum string
}

// migrationSet — миграции по возрастанию версии.
type migrationSet []migration

func (s migrationSet) find(version int64) (migration, bool) {
	i, ok := slices.BinarySearchFunc(s, version, func(m migration, v int64) int { return cmp.Compare(m.Version, v) })
	if !ok {
		return migration{}, false
	}
	return s[i], true
}

func (s migrationSet) pending(applied []appliedMigration) []migration {
	var out []migration
	for _, m := range s {
		if !slices.ContainsFunc(applied, func(a appliedMigration) bool { return a.Version == m.Version }) {
			out = append(out, m)
		}
	}
	return out
}

// drift возвращает версии, чей up-скрипт не совпадает с записанным.
func (s migrationSet) drift(applied []appliedMigration) []int64 {
	var out []int64
	for _, a := range applied {
		if a.Checksum == "" {
			continue
		}
		if m, ok := s.find(a.Version); ok && m.checksum() != a.Checksum {
			out = append(out, a.Version)
		}
	}
	return out
}

// plan возвращает миграции к применению: неприменённые по возрастанию для
// up, применённые по убыванию для down. steps>0 обрезает план.
func (s migrationSet) plan(applied []appliedMigration, direction MigrationDirection, steps int) ([]migration, error) {
	var out []migration
	switch direction {
	case MigrationUp:
		if drifted := s.drift(applied); len(drifted) > 0 {
			return nil, fmt.Errorf("%w: versions %v", ErrMigrationDrift, drifted)
		}
		out = s.pending(applied)
	case MigrationDown:
		for i := len(applied) - 1; i >= 0; i-- {
			m, ok := s.find(applied[i].Version)
			if !ok {
				return nil, fmt.Errorf("cannot rollback unknown migration version %d", applied[i].Version)
			}
			out = append(out, m)
		}
	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}

	if steps > 0 && len(out) > steps {
		out = out[:steps]
	}
	return out, nil
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// MigrateUp применяет up-миграции; steps=0 означает все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.Migrate(ctx, MigrationUp, steps)
}

// MigrateDown откатывает steps миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.Migrate(ctx, MigrationDown, max(steps, 1))
}

// MigrationStatus возвращает текущую версию и счётчики миграций.
// Схему не меняет и блокировок не берёт.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	set, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return MigrationState{}, fmt.Errorf("check migration table: %w", err)
	}
	var applied []appliedMigration
	if exists {
		if applied, err = appliedMigrations(ctx, s.db); err != nil {
			return MigrationState{}, err
		}
	}

	state := MigrationState{
		Applied:  len(applied),
		Pending:  len(set.pending(applied)),
		Modified: len(set.drift(applied)),
	}
	if n := len(applied); n > 0 {
		state.Version = applied[n-1].Version
	}
	return state, nil
}

// Migrate применяет миграции в заданном направлении под advisory lock:
// реплики, стартующие одновременно, мигрируют по очереди.
func (s *Store) Migrate(ctx context.Context, direction MigrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	set, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}
	if _, err := set.plan(nil, direction, 0); err != nil {
		return err
	}

	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := set.plan(applied, direction, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := applyMigration(ctx, conn, m, direction); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	return fn(conn)
}

func applyMigration(ctx context.Context, conn *sql.Conn, m migration, direction MigrationDirection) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.id(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	script, record, args := m.Up, `INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`, []any{m.Version, m.Name, m.checksum()}
	if direction == MigrationDown {
		script, record, args = m.Down, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m.id(), err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m.id(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.id(), err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, q queryer) ([]appliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// loadMigrationsFromFS собирает пары NNNN_name.up.sql / NNNN_name.down.sql.
func loadMigrationsFromFS(fsys fs.FS) (migrationSet, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFilePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		case m.Name != parts[2]:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}

		slot := &m.Up
		if MigrationDirection(parts[3]) == MigrationDown {
			slot = &m.Down
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*slot = body
	}

	set := make(migrationSet, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.id())
		}
		set = append(set, *m)
	}
	slices.SortFunc(set, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return set, nil
}
