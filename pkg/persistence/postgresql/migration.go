package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Entities and their version history
			CREATE TABLE entities (
				org_id VARCHAR(255) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL CHECK (version >= 1),
				status VARCHAR(255) NOT NULL DEFAULT '',
				fields JSONB NOT NULL DEFAULT '{}',
				idempotency_key VARCHAR(255),
				deleted BOOLEAN NOT NULL DEFAULT false,
				deleted_at TIMESTAMP WITH TIME ZONE,
				deleted_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (org_id, entity_type, entity_id)
			);

			CREATE UNIQUE INDEX idx_entities_idempotency_key
				ON entities(org_id, entity_type, idempotency_key)
				WHERE idempotency_key IS NOT NULL;
			CREATE INDEX idx_entities_created_at ON entities(org_id, entity_type, created_at);

			CREATE TABLE entity_versions (
				org_id VARCHAR(255) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL,
				parent_version BIGINT,
				snapshot JSONB NOT NULL,
				diff JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				PRIMARY KEY (org_id, entity_type, entity_id, version)
			);

			CREATE TABLE audit_logs (
				id UUID PRIMARY KEY,
				org_id VARCHAR(255) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				action VARCHAR(255) NOT NULL,
				actor_id VARCHAR(255) NOT NULL DEFAULT '',
				request_id VARCHAR(255) NOT NULL DEFAULT '',
				channel VARCHAR(255) NOT NULL DEFAULT '',
				before_version BIGINT NOT NULL,
				after_version BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_audit_logs_entity ON audit_logs(org_id, entity_type, entity_id, created_at);
		`,
		2: `
			-- Workflow instances and steps
			CREATE TABLE workflow_instances (
				id UUID PRIMARY KEY,
				org_id VARCHAR(255) NOT NULL,
				definition_id VARCHAR(255) NOT NULL,
				definition_version INT NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				entity_version BIGINT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
				tokens JSONB NOT NULL DEFAULT '[]',
				revision BIGINT NOT NULL DEFAULT 0,
				last_event_id VARCHAR(255) NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_instances_running
				ON workflow_instances(org_id, entity_type, entity_id)
				WHERE status = 'running';

			CREATE TABLE workflow_steps (
				id UUID PRIMARY KEY,
				instance_id UUID NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				token_id VARCHAR(255) NOT NULL,
				entity_version BIGINT NOT NULL,
				status VARCHAR(50) NOT NULL,
				chosen_edge_ids TEXT[] NOT NULL DEFAULT '{}',
				duration_ms BIGINT NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_steps_instance ON workflow_steps(instance_id, created_at);
		`,
		3: `
			-- Transactional outbox
			CREATE TABLE outbox_events (
				id UUID PRIMARY KEY,
				org_id VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL CHECK (kind IN ('engine_event', 'side_effect')),
				payload JSONB NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'processing', 'failed', 'dead_letter', 'completed')),
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL,
				next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claimed_by VARCHAR(255) NOT NULL DEFAULT '',
				claimed_at TIMESTAMP WITH TIME ZONE,
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT NOT NULL DEFAULT '',
				entity_type VARCHAR(255) NOT NULL DEFAULT '',
				entity_id VARCHAR(255) NOT NULL DEFAULT '',
				instance_id VARCHAR(255) NOT NULL DEFAULT '',
				delivery_key VARCHAR(512) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_outbox_events_claim ON outbox_events(status, next_attempt_at, created_at);
			CREATE INDEX idx_outbox_events_entity ON outbox_events(kind, org_id, entity_type, entity_id, status);
		`,
	}
}
