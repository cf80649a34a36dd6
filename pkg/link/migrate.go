package link

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// RequiredSchemaVersion is the schema layout this code understands.
const RequiredSchemaVersion = 8

// legacyTable is the pre-metadata table name from the earliest release.
// Its presence without a meta table identifies a version-0 installation.
const legacyTable = "discourse_sso_consumer"

// Migrator detects the installed schema version and applies the ordered
// patch chain to bring it up to the version the code requires.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	log     *logrus.Logger
}

// NewMigrator creates a Migrator for the given database and dialect.
func NewMigrator(db *sql.DB, dialect Dialect, log *logrus.Logger) *Migrator {
	if log == nil {
		log = logrus.New()
	}
	return &Migrator{db: db, dialect: dialect, log: log}
}

// CurrentVersion reads the installed schema version. installed is false when
// neither the meta table nor the legacy table exists (never installed); a
// legacy table without meta reports version 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (version int, installed bool, err error) {
	hasMeta, err := m.dialect.TableExists(ctx, m.db, "meta")
	if err != nil {
		return 0, false, err
	}
	if hasMeta {
		var raw string
		err := m.db.QueryRowContext(ctx,
			`SELECT value FROM meta WHERE key = $1`, "schemaVersion").Scan(&raw)
		if err != nil {
			return 0, false, fmt.Errorf("failed to read schema version: %w", err)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false, fmt.Errorf("corrupt schema version %q: %w", raw, err)
		}
		return v, true, nil
	}

	hasLegacy, err := m.dialect.TableExists(ctx, m.db, legacyTable)
	if err != nil {
		return 0, false, err
	}
	if hasLegacy {
		return 0, true, nil
	}
	return 0, false, nil
}

// Reconcile brings the database to required. A fresh database gets the full
// current schema in one step. A database newer than required fails with
// ErrFutureSchema. Otherwise the patch chain from current+1 through required
// is applied in order, each patch in its own transaction, so a failed run
// can resume from the last successfully applied version.
func (m *Migrator) Reconcile(ctx context.Context, required int) error {
	if required < 1 || required > RequiredSchemaVersion {
		return fmt.Errorf("unsupported target schema version %d", required)
	}

	current, installed, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	if !installed {
		m.log.WithField("version", required).Info("Installing schema from scratch")
		return m.installCurrent(ctx, required)
	}

	switch {
	case current == required:
		return nil
	case current > required:
		return fmt.Errorf("%w: installed %d, supported %d", ErrFutureSchema, current, required)
	}

	for v := current + 1; v <= required; v++ {
		p := patches[v-1]
		m.log.WithFields(logrus.Fields{
			"version": p.version,
			"patch":   p.name,
		}).Info("Applying schema patch")
		if err := m.applyPatch(ctx, p); err != nil {
			return fmt.Errorf("patch %s (v%d) failed: %w", p.name, p.version, err)
		}
	}
	return nil
}

// installCurrent creates the full current layout and stamps the version.
// Only the latest version can be installed directly.
func (m *Migrator) installCurrent(ctx context.Context, version int) error {
	if version != RequiredSchemaVersion {
		return fmt.Errorf("fresh install supports only version %d, got %d", RequiredSchemaVersion, version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin install transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE discourse_link (
			discourse_id BIGINT PRIMARY KEY,
			wiki_id BIGINT
		)`,
		`CREATE UNIQUE INDEX discourse_link_wiki_id_uniq ON discourse_link (wiki_id)`,
		`CREATE TABLE discourse_user_record (
			discourse_id BIGINT PRIMARY KEY,
			user_json TEXT NOT NULL,
			last_update TIMESTAMP NOT NULL,
			last_event TEXT NOT NULL,
			last_event_id BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install DDL failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ($1, $2)`,
		"schemaVersion", strconv.Itoa(version)); err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}
	return tx.Commit()
}

// applyPatch runs one patch transactionally. The version bump is a guarded
// UPDATE whose affected-row count asserts the starting version, so a patch
// run against the wrong state fails loudly and rolls back without side
// effects. Patch 1 creates the meta table itself; there the plain CREATE
// TABLE serves as the precondition (it fails if meta already exists).
func (m *Migrator) applyPatch(ctx context.Context, p patch) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin patch transaction: %w", err)
	}
	defer tx.Rollback()

	if p.version == 1 {
		if _, err := tx.ExecContext(ctx,
			`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("%w: %v", ErrPatchPrecondition, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ($1, $2)`,
			"schemaVersion", "1"); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE meta SET value = $1 WHERE key = $2 AND value = $3`,
			strconv.Itoa(p.version), "schemaVersion", strconv.Itoa(p.version-1))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: expected version %d", ErrPatchPrecondition, p.version-1)
		}
	}

	if p.apply != nil {
		if err := p.apply(ctx, tx, m.dialect); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// patch is one step of the historical schema chain.
type patch struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx, d Dialect) error
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// patches is the ordered chain; patches[n-1] upgrades version n-1 to n.
// The chain may not skip a version.
var patches = []patch{
	{
		version: 1,
		name:    "introduce-meta-table",
		// meta creation and version stamp are handled by applyPatch.
	},
	{
		version: 2,
		name:    "rename-link-table",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return execAll(ctx, tx,
				`ALTER TABLE discourse_sso_consumer RENAME TO discourse_link`)
		},
	},
	{
		version: 3,
		name:    "unique-local-id-index",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return execAll(ctx, tx,
				`CREATE UNIQUE INDEX discourse_link_local_id ON discourse_link (local_id)`)
		},
	},
	{
		version: 4,
		name:    "rename-external-id-column",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return execAll(ctx, tx,
				`ALTER TABLE discourse_link RENAME COLUMN external_id TO discourse_id`)
		},
	},
	{
		version: 5,
		name:    "add-user-record-cache",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return execAll(ctx, tx,
				`CREATE TABLE discourse_user_record (
					discourse_id BIGINT PRIMARY KEY,
					user_json TEXT NOT NULL,
					last_update TIMESTAMP NOT NULL,
					last_event TEXT NOT NULL,
					last_event_id BIGINT NOT NULL
				)`)
		},
	},
	{
		version: 6,
		name:    "drop-legacy-local-index",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return execAll(ctx, tx,
				`DROP INDEX IF EXISTS discourse_sso_consumer_local_idx`)
		},
	},
	{
		version: 7,
		name:    "rename-local-id-index",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return d.RenameIndex(ctx, tx,
				"discourse_link_local_id", "discourse_link_local_id_uniq",
				`CREATE UNIQUE INDEX discourse_link_local_id_uniq ON discourse_link (local_id)`)
		},
	},
	{
		version: 8,
		name:    "wiki-id-rename-and-record-cache",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			if err := execAll(ctx, tx,
				`ALTER TABLE discourse_link RENAME COLUMN local_id TO wiki_id`); err != nil {
				return err
			}
			if err := d.RenameIndex(ctx, tx,
				"discourse_link_local_id_uniq", "discourse_link_wiki_id_uniq",
				`CREATE UNIQUE INDEX discourse_link_wiki_id_uniq ON discourse_link (wiki_id)`); err != nil {
				return err
			}
			return execAll(ctx, tx,
				`CREATE TABLE IF NOT EXISTS discourse_user_record (
					discourse_id BIGINT PRIMARY KEY,
					user_json TEXT NOT NULL,
					last_update TIMESTAMP NOT NULL,
					last_event TEXT NOT NULL,
					last_event_id BIGINT NOT NULL
				)`)
		},
	},
}
