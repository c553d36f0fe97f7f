package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_type VARCHAR(50) NOT NULL,
				trigger_config JSONB NOT NULL DEFAULT '{}',
				actions JSONB NOT NULL DEFAULT '[]',
				is_active BOOLEAN NOT NULL DEFAULT false,
				execution_count BIGINT NOT NULL DEFAULT 0,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_trigger_type ON workflows(trigger_type) WHERE deleted_at IS NULL;
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_name VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255) NOT NULL,
				contact_name VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'paused', 'completed', 'failed')),
				triggered_by JSONB NOT NULL DEFAULT '{}',
				actions JSONB NOT NULL DEFAULT '[]',
				action_cursor INTEGER NOT NULL DEFAULT 0,
				actions_completed JSONB NOT NULL DEFAULT '[]',
				error_message TEXT NOT NULL DEFAULT '',
				resume_at TIMESTAMP WITH TIME ZONE,
				lease_owner VARCHAR(255),
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id, created_at DESC);
			CREATE INDEX idx_executions_created_at ON executions(created_at DESC);
			CREATE INDEX idx_executions_runnable ON executions(status, resume_at)
				WHERE status IN ('pending', 'running', 'paused');
		`,
		2: `
			CREATE TABLE sweep_watermarks (
				workflow_id VARCHAR(255) PRIMARY KEY,
				watermark TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE scheduled_slots (
				workflow_id VARCHAR(255) NOT NULL,
				slot TIMESTAMP WITH TIME ZONE NOT NULL,
				fired_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, slot)
			);
		`,
		3: `
			ALTER TABLE executions ADD COLUMN dedup_key VARCHAR(512);

			CREATE UNIQUE INDEX idx_executions_dedup_key ON executions(workflow_id, dedup_key)
				WHERE dedup_key IS NOT NULL;
		`,
	}
}
