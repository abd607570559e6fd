package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS graph_entities (
    key TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    class TEXT NOT NULL,
    account_id TEXT NOT NULL,
    integration_instance_id TEXT NOT NULL DEFAULT '',
    attributes JSONB NOT NULL DEFAULT '{}',
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS graph_entities_scope_idx ON graph_entities (account_id, integration_instance_id, type, deleted);
CREATE INDEX IF NOT EXISTS graph_entities_attributes_idx ON graph_entities USING GIN (attributes);

CREATE TABLE IF NOT EXISTS graph_relationships (
    key TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    class TEXT NOT NULL,
    from_key TEXT NOT NULL,
    to_key TEXT NOT NULL,
    account_id TEXT NOT NULL,
    integration_instance_id TEXT NOT NULL,
    properties JSONB NOT NULL DEFAULT '{}',
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS graph_relationships_scope_idx ON graph_relationships (account_id, integration_instance_id, type, deleted);

CREATE TABLE IF NOT EXISTS graph_operation_log (
    id BIGSERIAL PRIMARY KEY,
    op_key TEXT NOT NULL,
    op_type TEXT NOT NULL,
    kind TEXT NOT NULL,
    account_id TEXT NOT NULL,
    integration_instance_id TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
);
`

const sqlFindEntities = `
    SELECT key, type, class, attributes, deleted, updated_at
    FROM graph_entities
    WHERE account_id = $1 AND integration_instance_id = $2 AND type = $3 AND deleted = $4
    ORDER BY key ASC;
`

const sqlFindRelationships = `
    SELECT key, type, class, from_key, to_key, properties, deleted, updated_at
    FROM graph_relationships
    WHERE account_id = $1 AND integration_instance_id = $2 AND type = $3 AND deleted = $4
    ORDER BY key ASC;
`

const sqlUpsertEntity = `
    INSERT INTO graph_entities (key, type, class, account_id, integration_instance_id, attributes, deleted, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
    ON CONFLICT (key) DO UPDATE SET
        type = EXCLUDED.type,
        class = EXCLUDED.class,
        attributes = EXCLUDED.attributes,
        deleted = FALSE,
        updated_at = EXCLUDED.updated_at
    WHERE graph_entities.account_id = EXCLUDED.account_id
      AND graph_entities.integration_instance_id = EXCLUDED.integration_instance_id;
`

const sqlSoftDeleteEntity = `
    UPDATE graph_entities SET deleted = TRUE, updated_at = $4
    WHERE key = $1 AND account_id = $2 AND integration_instance_id = $3;
`

const sqlUpsertRelationship = `
    INSERT INTO graph_relationships (key, type, class, from_key, to_key, account_id, integration_instance_id, properties, deleted, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
    ON CONFLICT (key) DO UPDATE SET
        type = EXCLUDED.type,
        class = EXCLUDED.class,
        from_key = EXCLUDED.from_key,
        to_key = EXCLUDED.to_key,
        properties = EXCLUDED.properties,
        deleted = FALSE,
        updated_at = EXCLUDED.updated_at
    WHERE graph_relationships.account_id = EXCLUDED.account_id
      AND graph_relationships.integration_instance_id = EXCLUDED.integration_instance_id;
`

const sqlSoftDeleteRelationship = `
    UPDATE graph_relationships SET deleted = TRUE, updated_at = $4
    WHERE key = $1 AND account_id = $2 AND integration_instance_id = $3;
`

const sqlMatchEntity = `
    SELECT key FROM graph_entities
    WHERE type = $1 AND deleted = FALSE AND attributes @> $2
    ORDER BY key ASC
    LIMIT 1;
`

// Mapped targets are shared by the account, so they carry no integration instance.
const sqlInsertMappedTarget = `
    INSERT INTO graph_entities (key, type, class, account_id, integration_instance_id, attributes, deleted, updated_at)
    VALUES ($1, $2, $3, $4, '', $5, FALSE, $6)
    ON CONFLICT (key) DO NOTHING;
`
