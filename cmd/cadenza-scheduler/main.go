package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/cadenzahq/cadenza/pkg/cmd"
	"github.com/cadenzahq/cadenza/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "cadenza-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Run time-based sweeps: delay wake-ups, dispatch retries, scheduled triggers and compliance checks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-id",
				Aliases: []string{"id"},
				Usage:   "Custom scheduler ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SCHEDULER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron expression for the resume/retry/event sweeps",
				Value:   "@every 1m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "trigger-schedule",
				Usage:   "Cron expression for scheduled_trigger emission",
				Value:   "@hourly",
				Sources: cli.EnvVars("TRIGGER_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "compliance-schedule",
				Usage:   "Cron expression for the compliance sweep over active workflows",
				Value:   "0 3 * * *",
				Sources: cli.EnvVars("COMPLIANCE_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			schedulerID := command.String("scheduler-id")
			if schedulerID == "" {
				schedulerID = "scheduler-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("cadenza-scheduler").With("scheduler_id", schedulerID)

			logger.InfoContext(ctx, "Initializing Cadenza Scheduler")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "scheduler", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			scheduler := NewSchedulerManager(schedulerID, persistence, eventBus, logger, Schedules{
				Sweep:      command.String("sweep-schedule"),
				Triggers:   command.String("trigger-schedule"),
				Compliance: command.String("compliance-schedule"),
			})

			err := scheduler.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start scheduler", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
