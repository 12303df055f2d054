package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/algotest/algotest/ident"
)

const schema = `
CREATE TABLE IF NOT EXISTS test_tasks (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id         TEXT NOT NULL UNIQUE,
    document_id     TEXT,
    requirement_doc TEXT NOT NULL DEFAULT '',
    algorithm_image TEXT NOT NULL DEFAULT '',
    dataset_url     TEXT NOT NULL DEFAULT '',
    container_name  TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_tasks_document ON test_tasks(document_id);

CREATE TABLE IF NOT EXISTS test_cases (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id         TEXT NOT NULL REFERENCES test_tasks(task_id) ON DELETE CASCADE,
    case_id         TEXT NOT NULL UNIQUE,
    document_id     TEXT NOT NULL DEFAULT '',
    input_data      TEXT NOT NULL DEFAULT '{}',
    actual_output   TEXT NOT NULL DEFAULT '',
    external_output TEXT NOT NULL DEFAULT '',
    result_analysis TEXT NOT NULL DEFAULT '',
    is_passed       BOOLEAN,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_cases_task ON test_cases(task_id);

CREATE TABLE IF NOT EXISTS test_reports (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id      TEXT NOT NULL UNIQUE REFERENCES test_tasks(task_id) ON DELETE CASCADE,
    content      TEXT NOT NULL DEFAULT '',
    summary      TEXT NOT NULL DEFAULT '',
    total_cases  INTEGER NOT NULL DEFAULT 0,
    passed_cases INTEGER NOT NULL DEFAULT 0,
    failed_cases INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    doc_id      TEXT PRIMARY KEY,
    filename    TEXT NOT NULL,
    path        TEXT NOT NULL,
    hash        TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    uploaded_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash ON documents(hash) WHERE hash != '';
`

// DB is the SQLite-backed store.
//
// A single write connection keeps SQLite contention-free; reads share
// the same pool. Safe for concurrent use.
type DB struct {
	db *sql.DB
}

// Open opens (and bootstraps) the SQLite database at the given DSN,
// e.g. "file:algotest.db" or "file::memory:" for tests. WAL mode,
// foreign keys, and a busy timeout are applied via pragmas.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent workflow runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is still usable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// --- tasks ---

// CreateTask inserts a task. CreatedAt/UpdatedAt and a pending status
// are filled in if unset.
func (d *DB) CreateTask(ctx context.Context, task *Task) error {
	normalizeTask(task)
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO test_tasks (task_id, document_id, requirement_doc, algorithm_image, dataset_url, container_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.DocumentID, task.RequirementDoc, task.AlgorithmImage,
		task.DatasetURL, task.ContainerName, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}
	task.ID, _ = res.LastInsertId()
	return nil
}

// SaveTaskWithCases atomically upserts a task and inserts its generated
// cases. Used by the analysis workflow so a half-written task never
// becomes visible; the task row may already exist from the upload.
func (d *DB) SaveTaskWithCases(ctx context.Context, task *Task, cases []TestCase) error {
	normalizeTask(task)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_tasks (task_id, document_id, requirement_doc, algorithm_image, dataset_url, container_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			document_id = excluded.document_id,
			requirement_doc = excluded.requirement_doc,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		task.TaskID, task.DocumentID, task.RequirementDoc, task.AlgorithmImage,
		task.DatasetURL, task.ContainerName, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}

	for i := range cases {
		if err := insertCase(ctx, tx, &cases[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTask retrieves a task by its external ID.
func (d *DB) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, task_id, document_id, requirement_doc, algorithm_image, dataset_url, container_name, status, created_at, updated_at
		FROM test_tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// GetTaskByDocumentID retrieves the task bound to an uploaded document,
// if any.
func (d *DB) GetTaskByDocumentID(ctx context.Context, docID string) (Task, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, task_id, document_id, requirement_doc, algorithm_image, dataset_url, container_name, status, created_at, updated_at
		FROM test_tasks WHERE document_id = ? ORDER BY id DESC LIMIT 1`, docID)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (d *DB) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, task_id, document_id, requirement_doc, algorithm_image, dataset_url, container_name, status, created_at, updated_at
		FROM test_tasks ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets the task status and bumps updated_at.
func (d *DB) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	return d.updateTask(ctx, taskID, `UPDATE test_tasks SET status = ?, updated_at = ? WHERE task_id = ?`, status, ident.Now(), taskID)
}

// UpdateTaskImage sets the algorithm image and dataset location the
// task will be tested against.
func (d *DB) UpdateTaskImage(ctx context.Context, taskID, algorithmImage, datasetURL string) error {
	return d.updateTask(ctx, taskID, `UPDATE test_tasks SET algorithm_image = ?, dataset_url = ?, updated_at = ? WHERE task_id = ?`,
		algorithmImage, datasetURL, ident.Now(), taskID)
}

// UpdateTaskContainer records the sandbox container name on the task.
func (d *DB) UpdateTaskContainer(ctx context.Context, taskID, containerName string) error {
	return d.updateTask(ctx, taskID, `UPDATE test_tasks SET container_name = ?, updated_at = ? WHERE task_id = ?`, containerName, ident.Now(), taskID)
}

// DeleteTask removes a task; cases and report cascade.
func (d *DB) DeleteTask(ctx context.Context, taskID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM test_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) updateTask(ctx context.Context, taskID, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- test cases ---

// InsertCase stores a single generated test case.
func (d *DB) InsertCase(ctx context.Context, tc *TestCase) error {
	return insertCase(ctx, d.db, tc)
}

// GetCase retrieves a test case by its external ID.
func (d *DB) GetCase(ctx context.Context, caseID string) (TestCase, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, task_id, case_id, document_id, input_data, actual_output, external_output, result_analysis, is_passed, status, created_at
		FROM test_cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

// ListCases returns the cases of a task in creation order.
func (d *DB) ListCases(ctx context.Context, taskID string) ([]TestCase, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, task_id, case_id, document_id, input_data, actual_output, external_output, result_analysis, is_passed, status, created_at
		FROM test_cases WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list cases for %s: %w", taskID, err)
	}
	defer rows.Close()

	var cases []TestCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCaseInput rewrites the structured body of a case, used when data
// selection binds test data paths.
func (d *DB) UpdateCaseInput(ctx context.Context, caseID string, input CaseInput) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal case input: %w", err)
	}
	return d.updateCase(ctx, caseID, `UPDATE test_cases SET input_data = ? WHERE case_id = ?`, string(data), caseID)
}

// UpdateCaseExecution records the captured output and execution status
// of a case.
func (d *DB) UpdateCaseExecution(ctx context.Context, caseID, actualOutput, status string) error {
	return d.updateCase(ctx, caseID, `UPDATE test_cases SET actual_output = ?, status = ? WHERE case_id = ?`, actualOutput, status, caseID)
}

// UpdateCaseExternalOutput sets the operator-provided output override.
func (d *DB) UpdateCaseExternalOutput(ctx context.Context, caseID, output string) error {
	return d.updateCase(ctx, caseID, `UPDATE test_cases SET external_output = ? WHERE case_id = ?`, output, caseID)
}

// UpdateCaseVerdict records a pass/fail judgement and marks the case
// completed. An analyzed case counts as processed even when the verdict
// itself is a fail.
func (d *DB) UpdateCaseVerdict(ctx context.Context, caseID string, isPassed bool, resultAnalysis string) error {
	return d.updateCase(ctx, caseID, `UPDATE test_cases SET is_passed = ?, result_analysis = ?, status = ? WHERE case_id = ?`, isPassed, resultAnalysis, StatusCompleted, caseID)
}

// DeleteCase removes a single test case.
func (d *DB) DeleteCase(ctx context.Context, caseID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM test_cases WHERE case_id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("delete case %s: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) updateCase(ctx context.Context, caseID, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update case %s: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- reports ---

// SaveReport upserts the report for a task.
func (d *DB) SaveReport(ctx context.Context, report *Report) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = ident.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO test_reports (task_id, content, summary, total_cases, passed_cases, failed_cases, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			total_cases = excluded.total_cases,
			passed_cases = excluded.passed_cases,
			failed_cases = excluded.failed_cases,
			created_at = excluded.created_at`,
		report.TaskID, report.Content, report.Summary,
		report.TotalCases, report.PassedCases, report.FailedCases, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("save report for %s: %w", report.TaskID, err)
	}
	return nil
}

// GetReport retrieves the report of a task.
func (d *DB) GetReport(ctx context.Context, taskID string) (Report, error) {
	var r Report
	err := d.db.QueryRowContext(ctx, `
		SELECT id, task_id, content, summary, total_cases, passed_cases, failed_cases, created_at
		FROM test_reports WHERE task_id = ?`, taskID).
		Scan(&r.ID, &r.TaskID, &r.Content, &r.Summary, &r.TotalCases, &r.PassedCases, &r.FailedCases, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report for %s: %w", taskID, err)
	}
	return r, nil
}

// --- documents ---

// InsertDocument records an uploaded requirement document.
func (d *DB) InsertDocument(ctx context.Context, doc *Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = ident.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, filename, path, hash, size_bytes, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.Filename, doc.Path, doc.Hash, doc.SizeBytes, doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.DocID, err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (d *DB) GetDocument(ctx context.Context, docID string) (Document, error) {
	return d.scanDocument(ctx, `SELECT doc_id, filename, path, hash, size_bytes, uploaded_at FROM documents WHERE doc_id = ?`, docID)
}

// FindDocumentByHash looks a document up by content hash, enabling
// upload deduplication.
func (d *DB) FindDocumentByHash(ctx context.Context, hash string) (Document, error) {
	return d.scanDocument(ctx, `SELECT doc_id, filename, path, hash, size_bytes, uploaded_at FROM documents WHERE hash = ?`, hash)
}

// ListDocuments returns all uploaded documents, newest first.
func (d *DB) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT doc_id, filename, path, hash, size_bytes, uploaded_at FROM documents ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.DocID, &doc.Filename, &doc.Path, &doc.Hash, &doc.SizeBytes, &doc.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (d *DB) scanDocument(ctx context.Context, query string, arg any) (Document, error) {
	var doc Document
	err := d.db.QueryRowContext(ctx, query, arg).
		Scan(&doc.DocID, &doc.Filename, &doc.Path, &doc.Hash, &doc.SizeBytes, &doc.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// --- helpers ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCase(ctx context.Context, ex execer, tc *TestCase) error {
	if tc.Status == "" {
		tc.Status = StatusPending
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = ident.Now()
	}
	input, err := json.Marshal(tc.Input)
	if err != nil {
		return fmt.Errorf("marshal case input: %w", err)
	}

	var passed any
	if tc.IsPassed != nil {
		passed = *tc.IsPassed
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO test_cases (task_id, case_id, document_id, input_data, actual_output, external_output, result_analysis, is_passed, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.TaskID, tc.CaseID, tc.DocumentID, string(input),
		tc.ActualOutput, tc.ExternalOutput, tc.ResultAnalysis, passed, tc.Status, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert case %s: %w", tc.CaseID, err)
	}
	tc.ID, _ = res.LastInsertId()
	return nil
}

func normalizeTask(task *Task) {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = ident.Now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.TaskID, &t.DocumentID, &t.RequirementDoc, &t.AlgorithmImage,
		&t.DatasetURL, &t.ContainerName, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func scanCase(row rowScanner) (TestCase, error) {
	var (
		c        TestCase
		rawInput string
		passed   sql.NullBool
	)
	err := row.Scan(&c.ID, &c.TaskID, &c.CaseID, &c.DocumentID, &rawInput,
		&c.ActualOutput, &c.ExternalOutput, &c.ResultAnalysis, &passed, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TestCase{}, ErrNotFound
	}
	if err != nil {
		return TestCase{}, fmt.Errorf("scan case: %w", err)
	}
	if passed.Valid {
		v := passed.Bool
		c.IsPassed = &v
	}
	if rawInput != "" {
		if err := json.Unmarshal([]byte(rawInput), &c.Input); err != nil {
			return TestCase{}, fmt.Errorf("decode case input for %s: %w", c.CaseID, err)
		}
	}
	return c, nil
}
