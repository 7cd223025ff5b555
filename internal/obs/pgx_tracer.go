package obs

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

// Unique violations are how the store detects duplicate webhooks and
// transactions, so they are not span errors.
const pgUniqueViolation = "23505"

type pgxSpanKey struct{}

// PGXTracer implements pgx.QueryTracer, opening a client span per statement.
// Bound arguments are never recorded.
type PGXTracer struct{}

func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op, table := describeSQL(data.SQL)
	name := "pgx " + op
	if table != "" {
		name += " " + table
	}
	ctx, span := otel.Tracer("paycore/pgx").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.query.text", truncateSQL(data.SQL)),
	)
	if table != "" {
		span.SetAttributes(attribute.String("db.collection.name", table))
	}
	return context.WithValue(ctx, pgxSpanKey{}, span)
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(pgxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()
	span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	if data.Err == nil || errors.Is(data.Err, pgx.ErrNoRows) {
		return
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		span.SetAttributes(attribute.String("db.response.status_code", pgErr.Code))
		if pgErr.Code == pgUniqueViolation {
			return
		}
	}
	span.RecordError(data.Err)
	span.SetStatus(codes.Error, "query failed")
}

// describeSQL returns the leading verb and, for simple statements, the table
// it targets.
func describeSQL(sql string) (op, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "QUERY", ""
	}
	op = strings.ToUpper(fields[0])
	var marker string
	switch op {
	case "INSERT":
		marker = "INTO"
	case "UPDATE":
		return op, tableName(fields, 1)
	case "SELECT", "DELETE":
		marker = "FROM"
	default:
		return op, ""
	}
	for i, f := range fields {
		if strings.EqualFold(f, marker) {
			return op, tableName(fields, i+1)
		}
	}
	return op, ""
}

func tableName(fields []string, i int) string {
	if i >= len(fields) {
		return ""
	}
	if strings.HasPrefix(fields[i], "(") {
		return ""
	}
	name := strings.Trim(fields[i], `";`)
	if strings.EqualFold(name, "only") {
		return ""
	}
	return strings.ToLower(name)
}

func truncateSQL(sql string) string {
	trimmed := strings.Join(strings.Fields(sql), " ")
	if len(trimmed) > maxStatementLen {
		return trimmed[:maxStatementLen] + "..."
	}
	return trimmed
}
