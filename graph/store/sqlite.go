package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowmesh/orchestrator/flow"
)

// SQLiteStore is a sqlite-backed Store. It uses WAL mode so reads
// don't block on the single writer and is intended for single-process
// production deployments; multi-process deployments should use a
// MySQL-backed store instead.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a sqlite database at
// path and ensures the schema exists. Pass ":memory:" for an
// in-process, non-durable database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT NOT NULL,
			output_data TEXT,
			error_kind TEXT,
			error_message TEXT,
			error_node_id TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant_id, execution_id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tenant_flow ON executions(tenant_id, flow_id)`,
		`CREATE TABLE IF NOT EXISTS node_results (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			error_kind TEXT,
			error_message TEXT,
			error_node_id TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL,
			PRIMARY KEY (execution_id, node_id, iteration)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			message_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			from_node TEXT NOT NULL,
			to_node TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_execution ON agent_messages(execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, ec flow.ExecutionContext) error {
	if ec.Status == "" {
		ec.Status = flow.StatusPending
	}
	input, err := json.Marshal(ec.InputData)
	if err != nil {
		return fmt.Errorf("store: marshal input_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, flow_id, tenant_id, status, input_data)
		VALUES (?, ?, ?, ?, ?)`,
		ec.ExecutionID, ec.FlowID, ec.TenantID, string(ec.Status), string(input))
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, tenantID, executionID string) (flow.ExecutionContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, flow_id, tenant_id, status, input_data, output_data,
		       error_kind, error_message, error_node_id, started_at, completed_at
		FROM executions WHERE execution_id = ?`, executionID)
	ec, err := scanExecution(row)
	if err != nil {
		return flow.ExecutionContext{}, err
	}
	if tenantID != "" && ec.TenantID != tenantID {
		return flow.ExecutionContext{}, ErrNotFound
	}
	return ec, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (flow.ExecutionContext, error) {
	var ec flow.ExecutionContext
	var status string
	var inputData string
	var outputData, errKind, errMsg, errNode sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&ec.ExecutionID, &ec.FlowID, &ec.TenantID, &status, &inputData,
		&outputData, &errKind, &errMsg, &errNode, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return flow.ExecutionContext{}, ErrNotFound
	}
	if err != nil {
		return flow.ExecutionContext{}, fmt.Errorf("store: scan execution: %w", err)
	}
	ec.Status = flow.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(inputData), &ec.InputData); err != nil {
		return flow.ExecutionContext{}, fmt.Errorf("store: unmarshal input_data: %w", err)
	}
	if outputData.Valid && outputData.String != "" {
		if err := json.Unmarshal([]byte(outputData.String), &ec.OutputData); err != nil {
			return flow.ExecutionContext{}, fmt.Errorf("store: unmarshal output_data: %w", err)
		}
	}
	if errKind.Valid {
		ec.Error = &flow.ExecutionError{Kind: errKind.String, Message: errMsg.String, NodeID: errNode.String}
	}
	if startedAt.Valid {
		t := startedAt.Time
		ec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		ec.CompletedAt = &t
	}
	return ec, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, executionID string, to flow.ExecutionStatus, output map[string]any, execErr *flow.ExecutionError) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE execution_id = ?`, executionID)
	var currentStatus string
	if err := row.Scan(&currentStatus); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read current status: %w", err)
	}
	if !CanTransition(flow.ExecutionStatus(currentStatus), to) {
		return ErrIllegalTransition
	}

	var outputJSON sql.NullString
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("store: marshal output_data: %w", err)
		}
		outputJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now()
	setStarted := currentStatus == string(flow.StatusPending) && to == flow.StatusRunning
	terminal := to == flow.StatusSucceeded || to == flow.StatusFailed || to == flow.StatusCancelled

	var errKind, errMsg, errNode sql.NullString
	if execErr != nil {
		errKind = sql.NullString{String: execErr.Kind, Valid: true}
		errMsg = sql.NullString{String: execErr.Message, Valid: true}
		errNode = sql.NullString{String: execErr.NodeID, Valid: execErr.NodeID != ""}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			output_data = COALESCE(?, output_data),
			error_kind = ?, error_message = ?, error_node_id = ?,
			started_at = CASE WHEN ? THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END
		WHERE execution_id = ?`,
		string(to), outputJSON, errKind, errMsg, errNode,
		setStarted, now, terminal, now, executionID)
	if err != nil {
		return fmt.Errorf("store: apply transition: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertNodeResult(ctx context.Context, nr flow.NodeResult) error {
	input, err := json.Marshal(nr.Input)
	if err != nil {
		return fmt.Errorf("store: marshal node input: %w", err)
	}
	var output sql.NullString
	if nr.Output != nil {
		b, err := json.Marshal(nr.Output)
		if err != nil {
			return fmt.Errorf("store: marshal node output: %w", err)
		}
		output = sql.NullString{String: string(b), Valid: true}
	}
	var errKind, errMsg, errNode sql.NullString
	if nr.Error != nil {
		errKind = sql.NullString{String: nr.Error.Kind, Valid: true}
		errMsg = sql.NullString{String: nr.Error.Message, Valid: true}
		errNode = sql.NullString{String: nr.Error.NodeID, Valid: nr.Error.NodeID != ""}
	}
	var completedAt any
	if !nr.CompletedAt.IsZero() {
		completedAt = nr.CompletedAt
	}
	var costUSD any
	if nr.CostUSD != nil {
		costUSD = *nr.CostUSD
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_results
			(execution_id, node_id, iteration, status, input, output,
			 error_kind, error_message, error_node_id, started_at, completed_at, attempts, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, node_id, iteration) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			error_node_id = excluded.error_node_id,
			completed_at = excluded.completed_at,
			attempts = excluded.attempts,
			cost_usd = excluded.cost_usd`,
		nr.ExecutionID, nr.NodeID, nr.Iteration, string(nr.Status), string(input), output,
		errKind, errMsg, errNode, nr.StartedAt, completedAt, nr.Attempts, costUSD)
	if err != nil {
		return fmt.Errorf("store: upsert node result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNodeResults(ctx context.Context, executionID string) ([]flow.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, iteration, status, input, output,
		       error_kind, error_message, error_node_id, started_at, completed_at, attempts, cost_usd
		FROM node_results WHERE execution_id = ? ORDER BY node_id, iteration`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list node results: %w", err)
	}
	defer rows.Close()

	var out []flow.NodeResult
	for rows.Next() {
		var nr flow.NodeResult
		var status, input string
		var output, errKind, errMsg, errNode sql.NullString
		var completedAt sql.NullTime
		var costUSD sql.NullFloat64

		if err := rows.Scan(&nr.ExecutionID, &nr.NodeID, &nr.Iteration, &status, &input, &output,
			&errKind, &errMsg, &errNode, &nr.StartedAt, &completedAt, &nr.Attempts, &costUSD); err != nil {
			return nil, fmt.Errorf("store: scan node result: %w", err)
		}
		nr.Status = flow.NodeResultStatus(status)
		if err := json.Unmarshal([]byte(input), &nr.Input); err != nil {
			return nil, fmt.Errorf("store: unmarshal node input: %w", err)
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &nr.Output); err != nil {
				return nil, fmt.Errorf("store: unmarshal node output: %w", err)
			}
		}
		if errKind.Valid {
			nr.Error = &flow.ExecutionError{Kind: errKind.String, Message: errMsg.String, NodeID: errNode.String}
		}
		if completedAt.Valid {
			nr.CompletedAt = completedAt.Time
		}
		if costUSD.Valid {
			v := costUSD.Float64
			nr.CostUSD = &v
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg flow.AgentMessage) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal message payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (message_id, execution_id, from_node, to_node, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ExecutionID, msg.FromNode, msg.ToNode, string(payload), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, executionID string) ([]flow.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, execution_id, from_node, to_node, payload, created_at
		FROM agent_messages WHERE execution_id = ? ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []flow.AgentMessage
	for rows.Next() {
		var msg flow.AgentMessage
		var payload string
		if err := rows.Scan(&msg.MessageID, &msg.ExecutionID, &msg.FromNode, &msg.ToNode, &payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
			return nil, fmt.Errorf("store: unmarshal message payload: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string, filters ListFilters, page Pagination) ([]flow.ExecutionContext, error) {
	page = page.normalized()
	query := `
		SELECT execution_id, flow_id, tenant_id, status, input_data, output_data,
		       error_kind, error_message, error_node_id, started_at, completed_at
		FROM executions WHERE tenant_id = ?`
	args := []any{tenantID}
	if filters.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filters.FlowID)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	query += " ORDER BY execution_id DESC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []flow.ExecutionContext
	for rows.Next() {
		ec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
