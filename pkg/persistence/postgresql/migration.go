package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definitions with embedded node/edge graph
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'archived')),
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				variables JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_org ON workflows(organization_id);
			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_deleted_at ON workflows(deleted_at);

			-- Per-(workflow, contact) execution state machine rows
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id),
				contact_id VARCHAR(255) NOT NULL,
				current_node_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'waiting', 'completed', 'failed', 'cancelled')),
				context JSONB DEFAULT '{}',
				wait_reason VARCHAR(50),
				resume_at TIMESTAMP WITH TIME ZONE,
				version INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow ON executions(workflow_id);
			CREATE INDEX idx_executions_contact ON executions(workflow_id, contact_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_resume_at ON executions(resume_at) WHERE status = 'waiting';

			-- Append-only trigger event log
			CREATE TABLE trigger_events (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				contact_id VARCHAR(255),
				data JSONB DEFAULT '{}',
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_trigger_events_processed ON trigger_events(processed, created_at);
			CREATE INDEX idx_trigger_events_org ON trigger_events(organization_id);

			-- Retry queue for transient channel-send failures
			CREATE TABLE retry_jobs (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id),
				node_id VARCHAR(255) NOT NULL,
				channel VARCHAR(50) NOT NULL,
				contact_id VARCHAR(255) NOT NULL,
				payload JSONB DEFAULT '{}',
				attempt INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				last_error TEXT,
				next_retry_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'sent', 'failed')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_retry_jobs_due ON retry_jobs(next_retry_at) WHERE status = 'pending';
			CREATE INDEX idx_retry_jobs_execution ON retry_jobs(execution_id);
		`,
		2: `
			-- A/B tests with full variant definition snapshots
			CREATE TABLE ab_tests (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				workflow_id UUID NOT NULL REFERENCES workflows(id),
				winner_metric VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'concluded')),
				variants JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_ab_tests_workflow ON ab_tests(workflow_id, status);

			-- Metric accumulators per (test, variant, metric)
			CREATE TABLE ab_test_results (
				test_id VARCHAR(255) NOT NULL REFERENCES ab_tests(id),
				variant_id VARCHAR(255) NOT NULL,
				metric VARCHAR(50) NOT NULL,
				sample_size INTEGER NOT NULL DEFAULT 0,
				total DOUBLE PRECISION NOT NULL DEFAULT 0,
				mean DOUBLE PRECISION NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (test_id, variant_id, metric)
			);

			-- Read-only contact attribute store for condition evaluation
			CREATE TABLE contacts (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				email VARCHAR(255),
				phone VARCHAR(50),
				attributes JSONB DEFAULT '{}',
				tags JSONB DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_contacts_org ON contacts(organization_id);
		`,
	}
}
