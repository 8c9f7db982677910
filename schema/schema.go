// Package schema installs the engine's tables and applies embedded
// migrations, guarded by the Migration resource lock so concurrent process
// starts never race each other (spec §4.6).
package schema

import (
	"context"
	_ "embed"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

//go:embed install.sql
var installScript string

//go:embed migrations.xml
var migrationsXML []byte

// migrationDoc mirrors the embedded <migrations><migration id="..."> sql
// </migration>...</migrations> document.
type migrationDoc struct {
	XMLName    xml.Name    `xml:"migrations"`
	Migrations []migration `xml:"migration"`
}

type migration struct {
	ID  string `xml:"id,attr"`
	SQL string `xml:",chardata"`
}

// Installer ensures the configured schema exists before any other component
// touches it.
type Installer struct {
	pool        *locking.Pool
	lockSet     *locking.ResourceLockSet
	prefix      string
	now         timeprovider.Provider
	logger      *slog.Logger
	lockTimeout time.Duration
}

// Config configures an Installer.
type Config struct {
	Pool        *locking.Pool
	LockSet     *locking.ResourceLockSet
	Prefix      string
	Now         timeprovider.Provider
	Logger      *slog.Logger
	LockTimeout time.Duration // defaults to 1 minute
}

// NewInstaller builds an Installer.
func NewInstaller(cfg Config) *Installer {
	now := cfg.Now
	if now == nil {
		now = timeprovider.RealProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = time.Minute
	}
	return &Installer{
		pool:        cfg.Pool,
		lockSet:     cfg.LockSet,
		prefix:      cfg.Prefix,
		now:         now,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Install creates the base tables if absent, then applies any outstanding
// embedded migration under the Migration resource lock.
func (i *Installer) Install(ctx context.Context) error {
	lease, err := i.pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrow session for install: %w", err)
	}
	defer lease.Dispose(ctx)
	session := lease.Session

	exists, err := i.mainTableExists(ctx, session)
	if err != nil {
		return fmt.Errorf("check schema presence: %w", err)
	}
	if !exists {
		if err := i.runInstallScript(ctx, session); err != nil {
			return fmt.Errorf("run install script: %w", err)
		}
		i.logger.Info("installed base schema", "prefix", i.prefix)
	}

	held, err := i.lockSet.Acquire(ctx, session, i.prefix, []locking.Resource{locking.ResourceMigration}, i.lockTimeout)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer held.Release(ctx)

	if err := i.ensureMigrationTable(ctx, session); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return i.applyMigrations(ctx, session)
}

func (i *Installer) mainTableExists(ctx context.Context, session sqldb.DB) (bool, error) {
	var count int
	row := session.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		i.prefix+"Job")
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (i *Installer) runInstallScript(ctx context.Context, session sqldb.DB) error {
	templated := strings.ReplaceAll(installScript, "{prefix}", i.prefix)
	for _, stmt := range splitStatements(templated) {
		if _, err := session.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", truncate(stmt, 60), err)
		}
	}
	return nil
}

func (i *Installer) ensureMigrationTable(ctx context.Context, session sqldb.DB) error {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %sMigration (Id VARCHAR(191) NOT NULL, ExecutedAt DATETIME(6) NOT NULL, PRIMARY KEY (Id)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		i.prefix)
	_, err := session.ExecContext(ctx, ddl)
	return err
}

func (i *Installer) applyMigrations(ctx context.Context, session sqldb.DB) error {
	var doc migrationDoc
	if err := xml.Unmarshal(migrationsXML, &doc); err != nil {
		return fmt.Errorf("parse migrations: %w", err)
	}
	for _, m := range doc.Migrations {
		applied, err := i.migrationApplied(ctx, session, m.ID)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.ID, err)
		}
		if applied {
			continue
		}
		if err := i.applyOne(ctx, session, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.ID, err)
		}
		i.logger.Info("applied migration", "id", m.ID)
	}
	return nil
}

func (i *Installer) migrationApplied(ctx context.Context, session sqldb.DB, id string) (bool, error) {
	var count int
	row := session.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %sMigration WHERE Id = ?", i.prefix), id)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (i *Installer) applyOne(ctx context.Context, session sqldb.DB, m migration) error {
	tx, err := session.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	sqlText := strings.ReplaceAll(strings.TrimSpace(m.SQL), "{prefix}", i.prefix)
	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %sMigration (Id, ExecutedAt) VALUES (?, ?)", i.prefix),
		m.ID, i.now.Now().UTC()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// splitStatements splits a semicolon-terminated batch of DDL statements,
// dropping blank entries left by trailing separators.
func splitStatements(script string) []string {
	raw := strings.Split(script, ";")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
