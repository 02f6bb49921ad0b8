package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/protortyp/melon/internal/model"
)

// SQLiteRepository is the embedded relational store the specification
// requires: a single file, keyed by job id, with write-through on every
// state transition.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if necessary) a sqlite-backed
// repository at path. The connection pool is pinned to a single
// connection: sqlite allows only one writer at a time, and serializing
// through one connection avoids SQLITE_BUSY under concurrent callers
// instead of retrying around it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	r := &SQLiteRepository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS job_sequence (
		id INTEGER PRIMARY KEY AUTOINCREMENT
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		user TEXT NOT NULL,
		script_path TEXT NOT NULL,
		script_args TEXT,
		cpu_count INTEGER NOT NULL,
		memory_bytes INTEGER NOT NULL,
		time_minutes INTEGER NOT NULL,
		submit_time INTEGER NOT NULL,
		start_time INTEGER,
		stop_time INTEGER,
		status TEXT NOT NULL,
		assigned_node_id TEXT,
		failure_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		total_cpu_count INTEGER NOT NULL,
		total_memory_bytes INTEGER NOT NULL,
		free_cpu_count INTEGER NOT NULL,
		free_memory_bytes INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) NextJobID() (uint64, error) {
	res, err := r.db.Exec(`INSERT INTO job_sequence DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("store: allocate job id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: allocate job id: %w", err)
	}
	return uint64(id), nil
}

func (r *SQLiteRepository) CreateJob(job *model.Job) error {
	argsJSON, err := json.Marshal(job.ScriptArgs)
	if err != nil {
		return fmt.Errorf("store: marshal script_args: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO jobs
			(id, user, script_path, script_args, cpu_count, memory_bytes, time_minutes,
			 submit_time, start_time, stop_time, status, assigned_node_id, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.User, job.ScriptPath, string(argsJSON), job.ReqRes.CPUCount, job.ReqRes.MemoryBytes,
		job.ReqRes.TimeMinutes, job.SubmitTime, job.StartTime, job.StopTime, job.Status,
		job.AssignedNodeID, job.FailureReason)
	return err
}

func (r *SQLiteRepository) UpdateJob(job *model.Job) error {
	argsJSON, err := json.Marshal(job.ScriptArgs)
	if err != nil {
		return fmt.Errorf("store: marshal script_args: %w", err)
	}
	res, err := r.db.Exec(`
		UPDATE jobs SET
			user = ?, script_path = ?, script_args = ?, cpu_count = ?, memory_bytes = ?,
			time_minutes = ?, submit_time = ?, start_time = ?, stop_time = ?, status = ?,
			assigned_node_id = ?, failure_reason = ?
		WHERE id = ?
	`, job.User, job.ScriptPath, string(argsJSON), job.ReqRes.CPUCount, job.ReqRes.MemoryBytes,
		job.ReqRes.TimeMinutes, job.SubmitTime, job.StartTime, job.StopTime, job.Status,
		job.AssignedNodeID, job.FailureReason, job.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetJob(id uint64) (*model.Job, error) {
	row := r.db.QueryRow(`
		SELECT id, user, script_path, script_args, cpu_count, memory_bytes, time_minutes,
		       submit_time, start_time, stop_time, status, assigned_node_id, failure_reason
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

func (r *SQLiteRepository) ListJobs() ([]*model.Job, error) {
	rows, err := r.db.Query(`
		SELECT id, user, script_path, script_args, cpu_count, memory_bytes, time_minutes,
		       submit_time, start_time, stop_time, status, assigned_node_id, failure_reason
		FROM jobs ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var argsJSON string
	err := row.Scan(&job.ID, &job.User, &job.ScriptPath, &argsJSON, &job.ReqRes.CPUCount,
		&job.ReqRes.MemoryBytes, &job.ReqRes.TimeMinutes, &job.SubmitTime, &job.StartTime,
		&job.StopTime, &job.Status, &job.AssignedNodeID, &job.FailureReason)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &job.ScriptArgs); err != nil {
			return nil, fmt.Errorf("store: unmarshal script_args: %w", err)
		}
	}
	return &job, nil
}

func (r *SQLiteRepository) UpsertNode(node *model.Node) error {
	_, err := r.db.Exec(`
		INSERT INTO nodes (id, address, total_cpu_count, total_memory_bytes,
			free_cpu_count, free_memory_bytes, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			total_cpu_count = excluded.total_cpu_count,
			total_memory_bytes = excluded.total_memory_bytes,
			free_cpu_count = excluded.free_cpu_count,
			free_memory_bytes = excluded.free_memory_bytes,
			last_heartbeat = excluded.last_heartbeat
	`, node.ID, node.Address, node.Total.CPUCount, node.Total.MemoryBytes,
		node.Free.CPUCount, node.Free.MemoryBytes, node.LastHeartbeat)
	return err
}

func (r *SQLiteRepository) GetNode(id string) (*model.Node, error) {
	var n model.Node
	err := r.db.QueryRow(`
		SELECT id, address, total_cpu_count, total_memory_bytes, free_cpu_count,
		       free_memory_bytes, last_heartbeat
		FROM nodes WHERE id = ?
	`, id).Scan(&n.ID, &n.Address, &n.Total.CPUCount, &n.Total.MemoryBytes,
		&n.Free.CPUCount, &n.Free.MemoryBytes, &n.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	n.AssignedJobs = make(map[uint64]bool)
	return &n, nil
}

func (r *SQLiteRepository) DeleteNode(id string) error {
	_, err := r.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	return err
}

func (r *SQLiteRepository) ListNodes() ([]*model.Node, error) {
	rows, err := r.db.Query(`
		SELECT id, address, total_cpu_count, total_memory_bytes, free_cpu_count,
		       free_memory_bytes, last_heartbeat
		FROM nodes ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Address, &n.Total.CPUCount, &n.Total.MemoryBytes,
			&n.Free.CPUCount, &n.Free.MemoryBytes, &n.LastHeartbeat); err != nil {
			return nil, err
		}
		n.AssignedJobs = make(map[uint64]bool)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
