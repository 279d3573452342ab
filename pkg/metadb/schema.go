package metadb

// schema is applied once at Open via exec; every statement is idempotent
// so opening an existing database file is a no-op.
const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER NOT NULL,
    tenant INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    mirrored INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant, id)
);
CREATE INDEX IF NOT EXISTS idx_transactions_completed ON transactions(tenant, completed);
CREATE INDEX IF NOT EXISTS idx_transactions_mirrored ON transactions(mirrored) WHERE mirrored = 0;

CREATE TABLE IF NOT EXISTS objects (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant INTEGER NOT NULL DEFAULT 0,
    tkey BLOB NOT NULL,
    trans_id INTEGER NOT NULL,
    size INTEGER,
    md5sum BLOB,
    last_modified INTEGER NOT NULL DEFAULT 0,
    mirrored INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (tenant, trans_id) REFERENCES transactions(tenant, id)
);
CREATE INDEX IF NOT EXISTS idx_objects_lookup ON objects(tenant, tkey, trans_id);
CREATE INDEX IF NOT EXISTS idx_objects_trans ON objects(tenant, trans_id);
CREATE INDEX IF NOT EXISTS idx_objects_lm ON objects(last_modified);
CREATE INDEX IF NOT EXISTS idx_objects_mirrored ON objects(mirrored) WHERE mirrored = 0;

CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    trans_id INTEGER NOT NULL,
    tenant INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created, id);

CREATE TABLE IF NOT EXISTS generation (
    tenant INTEGER PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS misc (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
