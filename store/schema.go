package store

// schemaSQL is the DDL for all tables.
const schemaSQL = `
-- One row per classify/extract run
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    format TEXT,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    library TEXT,
    ontology TEXT,
    score INTEGER DEFAULT 0,
    node_count INTEGER DEFAULT 0,
    relation_count INTEGER DEFAULT 0,
    failure_count INTEGER DEFAULT 0,
    error TEXT,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);

-- Every generation call, successful or not
CREATE TABLE IF NOT EXISTS generation_calls (
    id INTEGER PRIMARY KEY,
    request_id TEXT NOT NULL,
    run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    model TEXT,
    attempts INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_content_hash ON runs(content_hash);
`
