package repo

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/xxxsen/embedproxy/internal/pkg/dbutil"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

const memoryDSN = ":memory:"

// OpenSQLite opens a SQLite database at path, or a process-lifetime
// in-memory database when path is empty.
func OpenSQLite(path string) (*sqlx.DB, error) {
	dsn := memoryDSN
	if path != "" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open(dbutil.DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	if path == "" {
		// every pooled connection would get its own empty :memory: database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func OpenPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(dbutil.DriverPostgres, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ApplyMigrations runs the embedded migrations for db's dialect in file
// name order. Every statement is idempotent.
func ApplyMigrations(db *sqlx.DB) error {
	dir := "migrations/" + db.DriverName()
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("no migrations for driver %s: %w", db.DriverName(), err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrationsFS, dir+"/"+file)
		if err != nil {
			return err
		}
		for _, q := range strings.Split(string(content), ";") {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			if _, err := db.Exec(q); err != nil {
				return fmt.Errorf("execute query in %s: %w", file, err)
			}
		}
	}
	return nil
}
