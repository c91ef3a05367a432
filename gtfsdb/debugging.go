package gtfsdb

import (
	"context"
	"fmt"
)

// scheduleTables lists the tables TableCounts reports on, in import order.
var scheduleTables = []string{
	"agencies",
	"routes",
	"stops",
	"calendar",
	"calendar_dates",
	"trips",
	"stop_times",
	"import_metadata",
}

// TableCounts returns the row count of every schedule table.
func (c *Client) TableCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(scheduleTables))
	for _, table := range scheduleTables {
		var n int
		// table names come from scheduleTables only
		if err := c.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Loaded reports whether a static schedule has been imported.
func (c *Client) Loaded(ctx context.Context) (bool, error) {
	counts, err := c.TableCounts(ctx)
	if err != nil {
		return false, err
	}
	return counts["import_metadata"] > 0 && counts["stop_times"] > 0, nil
}
