package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// Local stress database owned by the same role the container uses, so the
// migrations and oracles see identical grants either way.
const (
	stressDB       = "gigflow_stress"
	stressRole     = "gigflow"
	stressPassword = "gigflow"
)

// InitLocalDatabase drops and recreates the stress database on the local
// PostgreSQL named by PGHOST/PGPORT (default 127.0.0.1:5432) and returns a DSN
// for the stress role. Used when Docker is unavailable.
func InitLocalDatabase(ctx context.Context) (string, error) {
	addr := net.JoinHostPort(envOr("PGHOST", "127.0.0.1"), envOr("PGPORT", "5432"))
	if err := exec.CommandContext(ctx, "pg_isready", "-d", "postgres://"+addr+"/postgres").Run(); err != nil {
		return "", fmt.Errorf("postgres at %s not ready: %w", addr, err)
	}

	admin, err := connectAdmin(ctx, addr)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{stressRole}.Sanitize()
	db := pgx.Identifier{stressDB}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, stressPassword),
		// Backends left over from an aborted run block DROP DATABASE.
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, stressDB),
		"DROP DATABASE IF EXISTS " + db,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare %s: %w", stressDB, err)
		}
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", stressRole, stressPassword, addr, stressDB), nil
}

// connectAdmin tries the superuser logins a developer machine usually has.
func connectAdmin(ctx context.Context, addr string) (*pgx.Conn, error) {
	users := []string{"postgres", "postgres:postgres"}
	if u := os.Getenv("USER"); u != "" {
		users = append(users, u, u+":postgres")
	}
	if u := os.Getenv("PGUSER"); u != "" {
		users = append([]string{u + ":" + os.Getenv("PGPASSWORD")}, users...)
	}

	var errs []error
	for _, u := range users {
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", u, addr))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("connect as superuser: %w", errors.Join(errs...))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
