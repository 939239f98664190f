package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer is a disposable Postgres; the zero value stands for a database
// the run does not own.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 boots a throwaway Postgres 16 and returns its DSN.
func StartPostgres16(ctx context.Context, image string) (*PGContainer, string, error) {
	if image == "" {
		image = "postgres:16-alpine"
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase("gigflow"),
		postgres.WithUsername("gigflow"),
		postgres.WithPassword("gigflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", image, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("connection string: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
