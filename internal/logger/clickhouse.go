package logger

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

const createTable = `CREATE TABLE IF NOT EXISTS %s (
	id          UUID,
	request_id  String,
	provider    LowCardinality(String),
	model       LowCardinality(String),
	task        LowCardinality(String),
	requested   UInt16,
	images      UInt16,
	latency_ms  UInt32,
	status      UInt16,
	success     Bool,
	error       String,
	created_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, provider)`

// ClickHouseSink appends batches to a MergeTree table.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects with dsn, pings, and creates table when missing.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("logger: invalid clickhouse table name %q", table)
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTable, table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: create %s: %w", table, err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []GenerationLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(row(e)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// row orders e's fields to match the table columns.
func row(e GenerationLog) []any {
	return []any{
		e.ID,
		e.RequestID,
		e.Provider,
		e.Model,
		e.TaskType,
		e.Requested,
		e.Images,
		e.LatencyMs,
		e.Status,
		e.Success,
		e.Error,
		e.CreatedAt,
	}
}
