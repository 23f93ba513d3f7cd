// Package postgresql provides the PostgreSQL persistence implementation for
// workflows, executions, trigger events, retry jobs and A/B tests.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
	eventRepo     *EventRepository
	retryRepo     *RetryJobRepository
	abTestRepo    *ABTestRepository
	contactRepo   *ContactRepository
}

// NewPersistence connects, runs migrations and returns the persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		workflowRepo:  &WorkflowRepository{db: database, logger: logger},
		executionRepo: &ExecutionRepository{db: database, logger: logger},
		eventRepo:     &EventRepository{db: database, logger: logger},
		retryRepo:     &RetryJobRepository{db: database, logger: logger},
		abTestRepo:    &ABTestRepository{db: database, logger: logger},
		contactRepo:   &ContactRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) Workflows() persistence.WorkflowRepository   { return p.workflowRepo }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executionRepo }
func (p *Persistence) Events() persistence.EventRepository         { return p.eventRepo }
func (p *Persistence) RetryJobs() persistence.RetryJobRepository   { return p.retryRepo }
func (p *Persistence) ABTests() persistence.ABTestRepository       { return p.abTestRepo }
func (p *Persistence) Contacts() persistence.ContactRepository     { return p.contactRepo }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
