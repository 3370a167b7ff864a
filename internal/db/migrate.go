package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrations embed.FS

const (
	MySQLMigrations      = "migrations/mysql"
	ClickHouseMigrations = "migrations/clickhouse"
)

// Migrate executes every *.sql file under dir in name order. Statements are split on ';'
// so the DSN does not need multiStatements.
func Migrate(ctx context.Context, conn *sqlx.DB, dir string) (int, error) {
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		raw, err := migrations.ReadFile(dir + "/" + name)
		if err != nil {
			return applied, err
		}
		for _, stmt := range Statements(string(raw)) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return applied, fmt.Errorf("%s: %w", name, err)
			}
			applied++
		}
	}
	return applied, nil
}

// Statements splits a migration file into executable statements, dropping
// blank chunks and full-line comments.
func Statements(sqlText string) []string {
	var out []string
	for _, chunk := range strings.Split(sqlText, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
