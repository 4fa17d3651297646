package messagestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against a state-database table, grounded
// on the teacher's PostgresStore: a pgxpool, parameterized SQL, and manual
// scanning rather than an ORM.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// Query builds a single parameterized SELECT covering every filter
// combination §3 requires: status set, delivery type, subscription IDs,
// timestamp ceiling, and the one failure-reason scan that needs it.
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Coord, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var statusClauses []string
	if len(q.Statuses) > 0 {
		placeholders := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			placeholders[i] = arg(string(st))
		}
		statusClauses = append(statusClauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.FailedWithReason != "" {
		statusClauses = append(statusClauses, fmt.Sprintf("(status = %s AND failure_reason = %s)", arg(string(StatusFailed)), arg(string(q.FailedWithReason))))
	}
	if len(statusClauses) > 0 {
		where = append(where, "("+strings.Join(statusClauses, " OR ")+")")
	}
	if q.DeliveryType != "" {
		where = append(where, fmt.Sprintf("delivery_type = %s", arg(string(q.DeliveryType))))
	}
	if len(q.SubscriptionIDs) > 0 {
		placeholders := make([]string, len(q.SubscriptionIDs))
		for i, id := range q.SubscriptionIDs {
			placeholders[i] = arg(id)
		}
		where = append(where, fmt.Sprintf("subscription_id IN (%s)", strings.Join(placeholders, ",")))
	}
	if !q.TimestampBefore.IsZero() {
		where = append(where, fmt.Sprintf("timestamp <= %s", arg(q.TimestampBefore)))
	}

	query := `SELECT uuid, subscription_id, topic, partition, "offset", has_coordinate, delivery_type, event_ref, status, failure_reason, timestamp FROM message_states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, uuid ASC"

	size := q.Size
	if size <= 0 {
		size = 20
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(size), arg(q.Page*size))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Coord
	for rows.Next() {
		var c Coord
		if err := rows.Scan(&c.UUID, &c.SubscriptionID, &c.Topic, &c.Partition, &c.Offset, &c.HasCoordinate,
			&c.DeliveryType, &c.EventRef, &c.Status, &c.FailureReason, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
