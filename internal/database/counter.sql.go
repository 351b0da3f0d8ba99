package database

import "context"

const nextOrderNumber = `-- name: NextOrderNumber :one
INSERT INTO order_counter (scope, value)
VALUES ($1, 1)
ON CONFLICT (scope) DO UPDATE SET value = order_counter.value + 1
RETURNING value
`

// NextOrderNumber atomically increments and returns the counter for scope.
func (q *Queries) NextOrderNumber(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := q.db.QueryRow(ctx, nextOrderNumber, scope).Scan(&value)
	return value, err
}
