package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// Dialect is a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

const defaultTable = "evolvecast_archive"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// SQLBlob stores objects as rows of a two-column table.
type SQLBlob struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// OpenSQLBlob connects to the database named by u and creates the table if
// needed. An empty table uses "evolvecast_archive".
func OpenSQLBlob(ctx context.Context, u *url.URL, table string) (*SQLBlob, error) {
	var (
		dialect Dialect
		driver  string
		dsn     string
	)
	switch u.Scheme {
	case "sqlite":
		dialect, driver = SQLite, "sqlite"
		dsn = u.Host + u.Path
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
	case "postgres", "postgresql":
		dialect, driver = Postgres, "pgx"
		dsn = u.String()
	case "mysql":
		// user:password@tcp(host:port)/dbname
		dialect, driver = MySQL, "mysql"
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		dsn = cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported sql backend %q", u.Scheme)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s archive: %w", dialect, err)
	}
	if dialect == SQLite {
		// avoid "database is locked" errors
		db.SetMaxOpenConns(1)
	}
	b, err := NewSQLBlob(ctx, db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBlob wraps an open database. The blob owns db and closes it on
// Close.
func NewSQLBlob(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLBlob, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}
	b := &SQLBlob{db: db, dialect: dialect, table: table}
	if _, err := db.ExecContext(ctx, b.createTableQuery()); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return b, nil
}

func (b *SQLBlob) createTableQuery() string {
	switch b.dialect {
	case MySQL:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name VARCHAR(255) PRIMARY KEY,
				content LONGBLOB NOT NULL,
				updated_at BIGINT NOT NULL
			);
		`, b.table)
	case Postgres:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				content BYTEA NOT NULL,
				updated_at BIGINT NOT NULL
			);
		`, b.table)
	default:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				content BLOB NOT NULL,
				updated_at INTEGER NOT NULL
			);
		`, b.table)
	}
}

func (b *SQLBlob) upsertQuery() string {
	switch b.dialect {
	case MySQL:
		return fmt.Sprintf(`INSERT INTO %s (name, content, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE content = VALUES(content), updated_at = VALUES(updated_at)`, b.table)
	case Postgres:
		return fmt.Sprintf(`INSERT INTO %s (name, content, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`, b.table)
	default:
		return fmt.Sprintf(`INSERT OR REPLACE INTO %s (name, content, updated_at) VALUES (?, ?, ?)`, b.table)
	}
}

func (b *SQLBlob) placeholder() string {
	if b.dialect == Postgres {
		return "$1"
	}
	return "?"
}

func (b *SQLBlob) Get(ctx context.Context, name string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT content FROM %s WHERE name = %s`, b.table, b.placeholder())
	var data []byte
	if err := b.db.QueryRowContext(ctx, query, name).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read archive from %s: %w", b.dialect, err)
	}
	return data, nil
}

// Put upserts the row; a single statement replaces the content atomically.
func (b *SQLBlob) Put(ctx context.Context, name string, data []byte) error {
	if _, err := b.db.ExecContext(ctx, b.upsertQuery(), name, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to write archive to %s: %w", b.dialect, err)
	}
	return nil
}

func (b *SQLBlob) Close() error {
	return b.db.Close()
}
