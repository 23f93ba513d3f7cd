// Package main provides the Cadenza scheduler: cron-driven sweeps that wake
// parked executions, redeliver failed sends, emit scheduled triggers, pick up
// stranded events, and run the nightly compliance check.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/cadenzahq/cadenza/pkg/abtest"
	"github.com/cadenzahq/cadenza/pkg/cmd"
	"github.com/cadenzahq/cadenza/pkg/compliance"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/retry"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

// unprocessedBatchSize bounds one stranded-event sweep.
const unprocessedBatchSize = 100

// Schedules holds the cron expressions for each sweep family.
type Schedules struct {
	Sweep      string
	Triggers   string
	Compliance string
}

type SchedulerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *workflow.Engine
	queue       *retry.Queue
	activator   *workflow.Activator
	checker     *compliance.Checker
	schedules   Schedules
	cron        *cron.Cron
}

func NewSchedulerManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	schedules Schedules,
) *SchedulerManager {
	registry := cmd.NewDispatchRegistry(logger)

	queue := retry.NewQueue(logger, persist.RetryJobs(), registry, nil, eventBus)
	engine := workflow.NewEngine(logger, persist, registry, queue, eventBus, id)
	queue.SetResumer(engine)

	matcher := workflow.NewMatcher(logger, persist.Workflows())
	selector := abtest.NewSelector(logger, persist.ABTests(), nil)
	activator := workflow.NewActivator(logger, persist, matcher, engine, selector, eventBus)

	return &SchedulerManager{
		id:          id,
		logger:      logger.With("module", "cadenza-scheduler", "scheduler_id", id),
		persistence: persist,
		engine:      engine,
		queue:       queue,
		activator:   activator,
		checker:     compliance.NewChecker(logger),
		schedules:   schedules,
	}
}

func (s *SchedulerManager) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "scheduler_id", s.id)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs := []struct {
		schedule string
		run      func(context.Context)
	}{
		{s.schedules.Sweep, s.resumeDueExecutions},
		{s.schedules.Sweep, s.processDueRetries},
		{s.schedules.Sweep, s.sweepUnprocessedEvents},
		{s.schedules.Triggers, s.emitScheduledTriggers},
		{s.schedules.Compliance, s.sweepCompliance},
	}

	for _, job := range jobs {
		run := job.run
		if _, err := s.cron.AddFunc(job.schedule, func() { run(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	s.logger.InfoContext(ctx, "Shutting down scheduler...")

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	return nil
}

// resumeDueExecutions wakes executions whose delay has elapsed.
func (s *SchedulerManager) resumeDueExecutions(ctx context.Context) {
	resumed, err := s.engine.ResumeDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Delay resume sweep failed", "error", err)

		return
	}

	if resumed > 0 {
		s.logger.InfoContext(ctx, "Resumed delayed executions", "count", resumed)
	}
}

// processDueRetries redelivers failed sends whose backoff has elapsed.
func (s *SchedulerManager) processDueRetries(ctx context.Context) {
	stats, err := s.queue.ProcessDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Retry sweep failed", "error", err)

		return
	}

	if stats.Processed > 0 {
		s.logger.InfoContext(ctx, "Processed due retries",
			"processed", stats.Processed,
			"sent", stats.Sent,
			"rescheduled", stats.Rescheduled,
			"failed", stats.Failed)
	}
}

// sweepUnprocessedEvents is the backstop for events whose bus announcement
// was lost: the store is the source of truth, the bus only an accelerator.
func (s *SchedulerManager) sweepUnprocessedEvents(ctx context.Context) {
	events, err := s.persistence.Events().ListUnprocessed(ctx, unprocessedBatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Unprocessed event sweep failed", "error", err)

		return
	}

	for _, event := range events {
		if err := s.activator.ProcessEvent(ctx, event.ID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to process stranded event",
				"event_id", event.ID, "error", err)
		}
	}

	if len(events) > 0 {
		s.logger.InfoContext(ctx, "Swept stranded events", "count", len(events))
	}
}

// emitScheduledTriggers ingests one scheduled_trigger event per organization
// that has an active workflow listening for it.
func (s *SchedulerManager) emitScheduledTriggers(ctx context.Context) {
	active, err := s.persistence.Workflows().ListActive(ctx, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduled trigger sweep failed", "error", err)

		return
	}

	organizations := make(map[string]bool)

	for _, wf := range active {
		if !listensForScheduledTrigger(wf) {
			continue
		}

		organizations[wf.OrganizationID] = true
	}

	for organizationID := range organizations {
		event := &models.TriggerEvent{
			OrganizationID: organizationID,
			Type:           models.EventScheduledTrigger,
			Data:           map[string]any{"scheduler_id": s.id},
		}

		if err := s.activator.Ingest(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "Failed to ingest scheduled trigger",
				"organization_id", organizationID, "error", err)
		}
	}
}

func listensForScheduledTrigger(wf *models.Workflow) bool {
	for _, node := range wf.TriggerNodes() {
		if !node.Enabled {
			continue
		}

		if spec := node.TriggerSpec(); spec != nil && spec.EventType == models.EventScheduledTrigger {
			return true
		}
	}

	return false
}

// sweepCompliance re-checks every active workflow against the rule set and
// logs violations. The sending country comes from workflow metadata.
func (s *SchedulerManager) sweepCompliance(ctx context.Context) {
	active, err := s.persistence.Workflows().ListActive(ctx, "")
	if err != nil {
		s.logger.ErrorContext(ctx, "Compliance sweep failed", "error", err)

		return
	}

	flagged := 0

	for _, wf := range active {
		country, _ := wf.Metadata["sending_country"].(string)
		if country == "" {
			country = "US"
		}

		report := s.checker.Check(wf, country)
		if report.Compliant {
			continue
		}

		flagged++

		s.logger.WarnContext(ctx, "Workflow failed compliance sweep",
			"workflow_id", wf.ID,
			"organization_id", wf.OrganizationID,
			"risk_score", report.RiskScore,
			"findings", len(report.Findings))
	}

	s.logger.InfoContext(ctx, "Compliance sweep finished",
		"workflows", len(active), "flagged", flagged)
}
