package db

import (
	"fmt"
	"time"
)

// SumCostSince sums cost_usd of budget
// events recorded since t.
func (d *DB) SumCostSince(t time.Time) (float64, error) {
	var sum float64
	err := d.conn.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events WHERE recorded_at >= ?
	`, t.UTC().Format(time.RFC3339)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum cost since %s: %w", t, err)
	}
	return sum, nil
}
