// Package metadb is the engine's authoritative index of what SHOULD exist
// in BlobStore: transactions, object versions, deferred tasks, the
// generation counter and small durable facts, all in one sqlite database.
package metadb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/types"
)

// DB wraps a sqlite connection implementing every operation the core
// relies on. Open limits the pool to one connection, so every caller
// sharing a *DB (cmd/cloudkvctl hands the same one to PutDbWorker, the
// read path, BackgroundWorker and ScrubWorker) is serialized on it; a
// second *DB over the same file gets its own connection and relies on
// sqlite's locking in WAL mode.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and applies the
// schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, kverrors.Corruption.New("opening metadb %s: %v", path, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, kverrors.Corruption.New("applying metadb schema: %v", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func nowUnix() int64 { return time.Now().Unix() }

// ---- Transactions ----

func (db *DB) NewTransaction(ctx context.Context, tenant types.TenantID) (types.TransID, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM transactions WHERE tenant = ?`, tenant)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, wrapErr(err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO transactions (id, tenant, completed, active, mirrored) VALUES (?, ?, 0, 1, 0)`,
		id, tenant); err != nil {
		return 0, wrapErr(err)
	}
	return types.TransID(id), nil
}

func (db *DB) InsertTransaction(ctx context.Context, id types.TransID, tenant types.TenantID) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO transactions (id, tenant, completed, active, mirrored) VALUES (?, ?, 0, 1, 0)`,
		id, tenant)
	return wrapErr(err)
}

func (db *DB) SetTransactionActive(ctx context.Context, tenant types.TenantID, id types.TransID, active bool) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE transactions SET active = ? WHERE tenant = ? AND id = ?`, boolInt(active), tenant, id)
	return wrapErr(err)
}

func (db *DB) SetTransactionComplete(ctx context.Context, tenant types.TenantID, id types.TransID, completed types.CompletedState) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE transactions SET completed = ? WHERE tenant = ? AND id = ? AND completed <= ?`,
		completed, tenant, id, completed)
	if err != nil {
		return wrapErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either already past completed (completed never moves backwards)
		// or missing.
		return nil
	}
	return nil
}

func (db *DB) SetTransactionMirrored(ctx context.Context, tenant types.TenantID, id types.TransID) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE transactions SET mirrored = 1 WHERE tenant = ? AND id = ?`, tenant, id)
	return wrapErr(err)
}

func (db *DB) DeleteTransaction(ctx context.Context, tenant types.TenantID, id types.TransID) error {
	var count int
	row := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE tenant = ? AND trans_id = ?`, tenant, id)
	if err := row.Scan(&count); err != nil {
		return wrapErr(err)
	}
	if count > 0 {
		return kverrors.Misuse.New("transaction %d/%d still has %d referencing objects", tenant, id, count)
	}
	_, err := db.conn.ExecContext(ctx, `DELETE FROM transactions WHERE tenant = ? AND id = ?`, tenant, id)
	return wrapErr(err)
}

func (db *DB) GetTransactionIDs(ctx context.Context, tenant types.TenantID) ([]types.TransID, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM transactions WHERE tenant = ? ORDER BY id`, tenant)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var ids []types.TransID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, types.TransID(id))
	}
	return ids, rows.Err()
}

func (db *DB) GetTransactionProperties(ctx context.Context, tenant types.TenantID, id types.TransID) (types.Transaction, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, tenant, completed, active, mirrored FROM transactions WHERE tenant = ? AND id = ?`, tenant, id)
	var t types.Transaction
	var active, mirrored int
	if err := row.Scan(&t.ID, &t.Tenant, &t.Completed, &active, &mirrored); err != nil {
		if err == sql.ErrNoRows {
			return types.Transaction{}, kverrors.NotFound.New("transaction %d/%d", tenant, id)
		}
		return types.Transaction{}, wrapErr(err)
	}
	t.Active = active != 0
	t.Mirrored = mirrored != 0
	return t, nil
}

func (db *DB) IsTransactionActive(ctx context.Context, tenant types.TenantID, id types.TransID) (bool, error) {
	t, err := db.GetTransactionProperties(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return t.Active, nil
}

func (db *DB) GetMaxCompleteTransaction(ctx context.Context, tenant types.TenantID) (types.TransID, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM transactions WHERE tenant = ? AND completed = 2`, tenant)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, wrapErr(err)
	}
	return types.TransID(id), nil
}

func (db *DB) GetIncompleteTransactions(ctx context.Context, tenant types.TenantID, maxActive int) ([]types.TransID, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM transactions WHERE tenant = ? AND completed < 2 ORDER BY id LIMIT ?`, tenant, maxActive)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var ids []types.TransID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, types.TransID(id))
	}
	return ids, rows.Err()
}

func (db *DB) GetDeletableTransactions(ctx context.Context, tenant types.TenantID, currTransID types.TransID) ([]types.TransID, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT t.id FROM transactions t
		WHERE t.tenant = ? AND t.completed != 0 AND t.id < ?
		  AND NOT EXISTS (SELECT 1 FROM objects o WHERE o.tenant = t.tenant AND o.trans_id = t.id)
		ORDER BY t.id`, tenant, currTransID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var ids []types.TransID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, types.TransID(id))
	}
	return ids, rows.Err()
}

func (db *DB) GetLastFinalizedTransactions(ctx context.Context, tenant types.TenantID, last, curr int) ([]types.TransID, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM transactions WHERE tenant = ? AND completed >= 1 AND id <= ? ORDER BY id DESC LIMIT ?`,
		tenant, curr, last)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var ids []types.TransID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, types.TransID(id))
	}
	return ids, rows.Err()
}

func (db *DB) GetUnmirroredTransactions(ctx context.Context) ([]types.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, tenant, completed, active, mirrored FROM transactions WHERE mirrored = 0`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []types.Transaction
	for rows.Next() {
		var t types.Transaction
		var active, mirrored int
		if err := rows.Scan(&t.ID, &t.Tenant, &t.Completed, &active, &mirrored); err != nil {
			return nil, wrapErr(err)
		}
		t.Active = active != 0
		t.Mirrored = mirrored != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Objects ----

func (db *DB) AddObject(ctx context.Context, tenant types.TenantID, trans types.TransID, tkey types.RawKey, md5sum []byte, size int64) (int64, error) {
	var exists int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE tenant = ? AND id = ?`, tenant, trans).Scan(&exists); err != nil {
		return 0, wrapErr(err)
	}
	if exists == 0 {
		return 0, kverrors.Misuse.New("add_object: transaction %d/%d does not exist", tenant, trans)
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO objects (tenant, tkey, trans_id, size, md5sum, last_modified, mirrored) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		tenant, []byte(tkey), trans, size, md5sum, nowUnix())
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.LastInsertId()
}

func (db *DB) AddPartialObject(ctx context.Context, tenant types.TenantID, trans types.TransID, tkey types.RawKey) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO objects (tenant, tkey, trans_id, size, md5sum, last_modified, mirrored) VALUES (?, ?, ?, NULL, NULL, ?, 0)`,
		tenant, []byte(tkey), trans, nowUnix())
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.LastInsertId()
}

func (db *DB) AddDelMarkerObject(ctx context.Context, tenant types.TenantID, trans types.TransID, tkey types.RawKey) (int64, error) {
	return db.AddObject(ctx, tenant, trans, tkey, nil, -1)
}

func (db *DB) UpdateObjectByRowID(ctx context.Context, rowid int64, md5sum []byte, size int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE objects SET md5sum = ?, size = ?, last_modified = ? WHERE rowid = ?`,
		md5sum, size, nowUnix(), rowid)
	return wrapErr(err)
}

func (db *DB) UpdateObjectMD5Sum(ctx context.Context, tenant types.TenantID, trans types.TransID, tkey types.RawKey, md5sum []byte) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE objects SET md5sum = ? WHERE tenant = ? AND trans_id = ? AND tkey = ?`,
		md5sum, tenant, trans, []byte(tkey))
	return wrapErr(err)
}

func (db *DB) DeletePartialObject(ctx context.Context, rowid int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM objects WHERE rowid = ? AND md5sum IS NULL`, rowid)
	return wrapErr(err)
}

func (db *DB) DeleteObject(ctx context.Context, tenant types.TenantID, trans types.TransID, tkey types.RawKey) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM objects WHERE tenant = ? AND trans_id = ? AND tkey = ?`, tenant, trans, []byte(tkey))
	return wrapErr(err)
}

func (db *DB) SetObjectMirrored(ctx context.Context, rowid int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE objects SET mirrored = 1 WHERE rowid = ?`, rowid)
	return wrapErr(err)
}

// GetObject resolves the visible row for (tenant, tkey) as of currTransID:
// the row with the largest trans_id <= currTransID whose owning
// transaction is active.
func (db *DB) GetObject(ctx context.Context, tenant types.TenantID, tkey types.RawKey, currTransID types.TransID) (types.Object, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT o.trans_id, o.size, o.md5sum, o.last_modified, o.mirrored
		FROM objects o JOIN transactions t ON t.tenant = o.tenant AND t.id = o.trans_id
		WHERE o.tenant = ? AND o.tkey = ? AND o.trans_id <= ? AND t.active = 1
		ORDER BY o.trans_id DESC LIMIT 1`, tenant, []byte(tkey), currTransID)

	var obj types.Object
	var lm int64
	var mirrored int
	var size sql.NullInt64
	if err := row.Scan(&obj.TransID, &size, &obj.MD5Sum, &lm, &mirrored); err != nil {
		if err == sql.ErrNoRows {
			return types.Object{}, kverrors.NotFound.New("object %v in tenant %d", tkey, tenant)
		}
		return types.Object{}, wrapErr(err)
	}
	obj.Tenant = tenant
	obj.Tkey = tkey
	obj.Size = size.Int64
	if !size.Valid {
		obj.Size = -2 // partial: distinct from a -1 tombstone
	}
	obj.LastModified = time.Unix(lm, 0)
	obj.Mirrored = mirrored != 0
	return obj, nil
}

func (db *DB) GetObjectInTransID(ctx context.Context, tenant types.TenantID, tkey types.RawKey, trans types.TransID) (types.Object, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT size, md5sum, last_modified, mirrored FROM objects WHERE tenant = ? AND tkey = ? AND trans_id = ?`,
		tenant, []byte(tkey), trans)
	var obj types.Object
	var lm int64
	var mirrored int
	var size sql.NullInt64
	if err := row.Scan(&size, &obj.MD5Sum, &lm, &mirrored); err != nil {
		if err == sql.ErrNoRows {
			return types.Object{}, kverrors.NotFound.New("object %v at trans %d", tkey, trans)
		}
		return types.Object{}, wrapErr(err)
	}
	obj.Tenant, obj.Tkey, obj.TransID = tenant, tkey, trans
	obj.Size = size.Int64
	obj.LastModified = time.Unix(lm, 0)
	obj.Mirrored = mirrored != 0
	return obj, nil
}

func (db *DB) GetLowerTransIDObject(ctx context.Context, tenant types.TenantID, tkey types.RawKey, trans types.TransID) (types.Object, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT trans_id, size, md5sum, last_modified, mirrored FROM objects
		WHERE tenant = ? AND tkey = ? AND trans_id < ? ORDER BY trans_id DESC LIMIT 1`,
		tenant, []byte(tkey), trans)
	var obj types.Object
	var lm int64
	var mirrored int
	var size sql.NullInt64
	if err := row.Scan(&obj.TransID, &size, &obj.MD5Sum, &lm, &mirrored); err != nil {
		if err == sql.ErrNoRows {
			return types.Object{}, kverrors.NotFound.New("no lower object for %v", tkey)
		}
		return types.Object{}, wrapErr(err)
	}
	obj.Tenant, obj.Tkey = tenant, tkey
	obj.Size = size.Int64
	obj.LastModified = time.Unix(lm, 0)
	obj.Mirrored = mirrored != 0
	return obj, nil
}

func (db *DB) GetSingleObject(ctx context.Context, tenant types.TenantID, trans types.TransID) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE tenant = ? AND trans_id = ? LIMIT 1`, tenant, trans).Scan(&count)
	if err != nil {
		return false, wrapErr(err)
	}
	return count > 0, nil
}

// ---- Iteration ----

// ObjectCursor pages through live objects (size != -1, owning transaction
// active) 10,000 rows at a time.
type ObjectCursor struct {
	lastTkey  []byte
	lastTrans int64
	lastLM    int64
	byLM      bool
	done      bool
}

func (db *DB) GetInitialObjects(byLastModified bool) *ObjectCursor {
	// lastTkey starts as an empty (not nil) slice: binding a nil []byte to
	// sqlite produces NULL, and `tkey > NULL` never matches, which would
	// make the first page of a key-ordered scan come back empty.
	return &ObjectCursor{byLM: byLastModified, lastTkey: []byte{}}
}

const iterBatchSize = 10000

func (db *DB) GetIterObjects(ctx context.Context, cur *ObjectCursor) ([]types.Object, error) {
	if cur.done {
		return nil, nil
	}
	var rows *sql.Rows
	var err error
	if cur.byLM {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT tenant, tkey, trans_id, size, md5sum, last_modified, mirrored FROM objects
			WHERE size != -1 AND last_modified > ? ORDER BY last_modified, rowid LIMIT ?`,
			cur.lastLM, iterBatchSize)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT tenant, tkey, trans_id, size, md5sum, last_modified, mirrored FROM objects
			WHERE size != -1 AND (tkey > ? OR (tkey = ? AND trans_id > ?))
			ORDER BY tkey, trans_id LIMIT ?`,
			cur.lastTkey, cur.lastTkey, cur.lastTrans, iterBatchSize)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []types.Object
	for rows.Next() {
		var o types.Object
		var lm int64
		var mirrored int
		if err := rows.Scan(&o.Tenant, &o.Tkey, &o.TransID, &o.Size, &o.MD5Sum, &lm, &mirrored); err != nil {
			return nil, wrapErr(err)
		}
		o.LastModified = time.Unix(lm, 0)
		o.Mirrored = mirrored != 0
		out = append(out, o)
		cur.lastTkey, cur.lastTrans, cur.lastLM = o.Tkey, int64(o.TransID), lm
	}
	if len(out) < iterBatchSize {
		cur.done = true
	}
	return out, rows.Err()
}

// ---- Size queries ----

func (db *DB) GetSize(ctx context.Context) (count int64, totalSize int64, err error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(o.size), 0) FROM objects o
		JOIN transactions t ON t.tenant = o.tenant AND t.id = o.trans_id
		WHERE o.size > 0 AND t.active = 1`)
	err = row.Scan(&count, &totalSize)
	return count, totalSize, wrapErr(err)
}

func (db *DB) GetSizePartialLM(ctx context.Context, start, stop int64) (int64, error) {
	var size int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM objects WHERE size > 0 AND last_modified >= ? AND last_modified < ?`,
		start, stop).Scan(&size)
	return size, wrapErr(err)
}

func (db *DB) GetSizePartial(ctx context.Context, tkey types.RawKey, trans types.TransID) (int64, error) {
	var size int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(size, 0) FROM objects WHERE tkey = ? AND trans_id = ?`, []byte(tkey), trans).Scan(&size)
	return size, wrapErr(err)
}

// ---- Reclamation ----

// GetDeletableObjects returns objects in transactions older than
// currTransID whose tkey is superseded by a row visible at currTransID.
func (db *DB) GetDeletableObjects(ctx context.Context, tenant types.TenantID, trans types.TransID, currTransID types.TransID) ([]types.Object, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT o.rowid, o.tkey, o.size, o.md5sum, o.last_modified, o.mirrored FROM objects o
		WHERE o.tenant = ? AND o.trans_id = ?
		  AND EXISTS (
		    SELECT 1 FROM objects o2
		    WHERE o2.tenant = o.tenant AND o2.tkey = o.tkey
		      AND o2.trans_id > o.trans_id AND o2.trans_id <= ?
		  )
		ORDER BY o.tkey`, tenant, trans, currTransID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []types.Object
	for rows.Next() {
		var o types.Object
		var lm int64
		var mirrored int
		if err := rows.Scan(&o.RowID, &o.Tkey, &o.Size, &o.MD5Sum, &lm, &mirrored); err != nil {
			return nil, wrapErr(err)
		}
		o.Tenant, o.TransID = tenant, trans
		o.LastModified = time.Unix(lm, 0)
		o.Mirrored = mirrored != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) DeleteDeletableObjects(ctx context.Context, tenant types.TenantID, currTransID types.TransID) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM objects WHERE rowid IN (
		  SELECT o.rowid FROM objects o
		  WHERE o.tenant = ?
		    AND EXISTS (
		      SELECT 1 FROM objects o2
		      WHERE o2.tenant = o.tenant AND o2.tkey = o.tkey
		        AND o2.trans_id > o.trans_id AND o2.trans_id <= ?
		    ))`, tenant, currTransID)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) DeleteTransactionObjects(ctx context.Context, tenant types.TenantID, trans types.TransID) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM objects WHERE tenant = ? AND trans_id = ?`, tenant, trans)
	return wrapErr(err)
}

func (db *DB) GetTransactionObjects(ctx context.Context, tenant types.TenantID, trans types.TransID) ([]types.Object, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT tkey, size, md5sum, last_modified, mirrored FROM objects WHERE tenant = ? AND trans_id = ?`,
		tenant, trans)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []types.Object
	for rows.Next() {
		var o types.Object
		var lm int64
		var mirrored int
		if err := rows.Scan(&o.Tkey, &o.Size, &o.MD5Sum, &lm, &mirrored); err != nil {
			return nil, wrapErr(err)
		}
		o.Tenant, o.TransID = tenant, trans
		o.LastModified = time.Unix(lm, 0)
		o.Mirrored = mirrored != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- Generation ----

func (db *DB) InsertGeneration(ctx context.Context, tenant types.TenantID, g types.Generation) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO generation (tenant, value) VALUES (?, ?)`, tenant, g)
	return wrapErr(err)
}

func (db *DB) UpdateGeneration(ctx context.Context, tenant types.TenantID, g types.Generation) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO generation (tenant, value) VALUES (?, ?)
		ON CONFLICT(tenant) DO UPDATE SET value = excluded.value`, tenant, g)
	return wrapErr(err)
}

func (db *DB) GetGeneration(ctx context.Context, tenant types.TenantID) (types.Generation, error) {
	var g int64
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(value, 0) FROM generation WHERE tenant = ?`, tenant).Scan(&g)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return types.Generation(g), wrapErr(err)
}

// GenerationInc atomically bumps the generation counter for tenant by inc
// and returns the new value.
func (db *DB) GenerationInc(ctx context.Context, tenant types.TenantID, inc int64) (types.Generation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO generation (tenant, value) VALUES (?, 0)`, tenant); err != nil {
		return 0, wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE generation SET value = value + ? WHERE tenant = ?`, inc, tenant); err != nil {
		return 0, wrapErr(err)
	}
	var g int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM generation WHERE tenant = ?`, tenant).Scan(&g); err != nil {
		return 0, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr(err)
	}
	return types.Generation(g), nil
}

// ---- Tasks ----

func (db *DB) AddTask(ctx context.Context, taskID types.TaskKind, trans types.TransID, tenant types.TenantID, created time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO tasks (task_id, trans_id, tenant, active, created) VALUES (?, ?, ?, 0, ?)`,
		taskID, trans, tenant, created.Unix())
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.LastInsertId()
}

func (db *DB) GetTask(ctx context.Context, createdMax time.Time) (types.Task, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, task_id, trans_id, tenant, active, created FROM tasks WHERE created <= ? ORDER BY created, id LIMIT 1`,
		createdMax.Unix())
	return scanTask(row)
}

func (db *DB) GetActiveTask(ctx context.Context) (types.Task, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, task_id, trans_id, tenant, active, created FROM tasks WHERE active = 1 ORDER BY created, id LIMIT 1`)
	return scanTask(row)
}

func (db *DB) GetTasks(ctx context.Context, createdMax time.Time, taskID types.TaskKind, tenant types.TenantID) ([]types.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, task_id, trans_id, tenant, active, created FROM tasks
		 WHERE created <= ? AND task_id = ? AND tenant = ? ORDER BY created, id`,
		createdMax.Unix(), taskID, tenant)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row *sql.Row) (types.Task, error) {
	var t types.Task
	var active int
	var created int64
	if err := row.Scan(&t.ID, &t.TaskID, &t.TransID, &t.Tenant, &active, &created); err != nil {
		if err == sql.ErrNoRows {
			return types.Task{}, kverrors.NotFound.New("no task")
		}
		return types.Task{}, wrapErr(err)
	}
	t.Active = active != 0
	t.Created = time.Unix(created, 0)
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (types.Task, error) {
	var t types.Task
	var active int
	var created int64
	if err := rows.Scan(&t.ID, &t.TaskID, &t.TransID, &t.Tenant, &active, &created); err != nil {
		return types.Task{}, wrapErr(err)
	}
	t.Active = active != 0
	t.Created = time.Unix(created, 0)
	return t, nil
}

func (db *DB) SetTaskActive(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE tasks SET active = 1 WHERE id = ?`, id)
	return wrapErr(err)
}

func (db *DB) RemoveTask(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return wrapErr(err)
}

// InsertAllDeletionTasks seeds a DELETE_PASS task for every tenant that has
// at least one committed transaction, used for a bulk reclamation sweep.
func (db *DB) InsertAllDeletionTasks(ctx context.Context) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT tenant, id FROM transactions WHERE completed = 2`)
	if err != nil {
		return wrapErr(err)
	}
	defer rows.Close()

	type pair struct {
		tenant types.TenantID
		trans  types.TransID
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.tenant, &p.trans); err != nil {
			return wrapErr(err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return wrapErr(err)
	}
	for _, p := range pairs {
		if _, err := db.AddTask(ctx, types.TaskDeletePass, p.trans, p.tenant, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// ---- Misc ----

func (db *DB) GetMiscValue(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM misc WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", kverrors.NotFound.New("misc key %q", key)
	}
	return v, wrapErr(err)
}

func (db *DB) SetMiscValue(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO misc (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapErr(err)
}

// ---- Unmirrored ----

func (db *DB) GetUnmirroredObjects(ctx context.Context) ([]types.Object, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT rowid, tenant, tkey, trans_id, size, md5sum, last_modified FROM objects
		WHERE mirrored = 0 AND size IS NOT NULL ORDER BY rowid LIMIT 1000`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []types.Object
	for rows.Next() {
		var o types.Object
		var lm int64
		if err := rows.Scan(&o.RowID, &o.Tenant, &o.Tkey, &o.TransID, &o.Size, &o.MD5Sum, &lm); err != nil {
			return nil, wrapErr(err)
		}
		o.LastModified = time.Unix(lm, 0)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) GetUnmirroredObjectsSize(ctx context.Context) (int64, error) {
	var size int64
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM objects WHERE mirrored = 0 AND size > 0`).Scan(&size)
	return size, wrapErr(err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return kverrors.Corruption.New("metadb: %v", err)
}
