package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowmesh/orchestrator/flow"
)

// MySQLStore is a MySQL/MariaDB-backed Store for multi-process
// production deployments where several orchestrator instances share
// one database.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn (see
// go-sql-driver/mysql for the DSN format) and ensures the schema
// exists. Callers are expected to source dsn from configuration, never
// hardcode credentials.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id VARCHAR(64) PRIMARY KEY,
			flow_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			input_data JSON NOT NULL,
			output_data JSON,
			error_kind VARCHAR(64),
			error_message TEXT,
			error_node_id VARCHAR(64),
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_executions_tenant (tenant_id, execution_id DESC),
			INDEX idx_executions_tenant_flow (tenant_id, flow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS node_results (
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(64) NOT NULL,
			iteration INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			input JSON NOT NULL,
			output JSON,
			error_kind VARCHAR(64),
			error_message TEXT,
			error_node_id VARCHAR(64),
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			attempts INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE,
			PRIMARY KEY (execution_id, node_id, iteration)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			message_id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			from_node VARCHAR(64) NOT NULL,
			to_node VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_messages_execution (execution_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (s *MySQLStore) CreateExecution(ctx context.Context, ec flow.ExecutionContext) error {
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

func (s *MySQLStore) GetExecution(ctx context.Context, tenantID, executionID string) (flow.ExecutionContext, error) {
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

func (s *MySQLStore) Transition(ctx context.Context, executionID string, to flow.ExecutionStatus, output map[string]any, execErr *flow.ExecutionError) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE execution_id = ? FOR UPDATE`, executionID)
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
			started_at = IF(?, ?, started_at),
			completed_at = IF(?, ?, completed_at)
		WHERE execution_id = ?`,
		string(to), outputJSON, errKind, errMsg, errNode,
		setStarted, now, terminal, now, executionID)
	if err != nil {
		return fmt.Errorf("store: apply transition: %w", err)
	}
	return tx.Commit()
}

func (s *MySQLStore) UpsertNodeResult(ctx context.Context, nr flow.NodeResult) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			output = VALUES(output),
			error_kind = VALUES(error_kind),
			error_message = VALUES(error_message),
			error_node_id = VALUES(error_node_id),
			completed_at = VALUES(completed_at),
			attempts = VALUES(attempts),
			cost_usd = VALUES(cost_usd)`,
		nr.ExecutionID, nr.NodeID, nr.Iteration, string(nr.Status), string(input), output,
		errKind, errMsg, errNode, nr.StartedAt, completedAt, nr.Attempts, costUSD)
	if err != nil {
		return fmt.Errorf("store: upsert node result: %w", err)
	}
	return nil
}

func (s *MySQLStore) ListNodeResults(ctx context.Context, executionID string) ([]flow.NodeResult, error) {
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

func (s *MySQLStore) AppendMessage(ctx context.Context, msg flow.AgentMessage) error {
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

func (s *MySQLStore) ListMessages(ctx context.Context, executionID string) ([]flow.AgentMessage, error) {
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

func (s *MySQLStore) List(ctx context.Context, tenantID string, filters ListFilters, page Pagination) ([]flow.ExecutionContext, error) {
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

func (s *MySQLStore) Close() error { return s.db.Close() }
