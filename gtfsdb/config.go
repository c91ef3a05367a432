package gtfsdb

import "github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"

const defaultBulkInsertBatchSize = 3000

type Config struct {
	DBPath              string
	Env                 appconf.Environment
	BulkInsertBatchSize int
	verbose             bool
}

func NewConfig(dbPath string, env appconf.Environment, verbose bool) Config {
	return Config{
		DBPath:  dbPath,
		Env:     env,
		verbose: verbose,
	}
}

// GetBulkInsertBatchSize keeps each multi-row INSERT below SQLite's
// 32766 bound variable limit for the widest table.
func (c Config) GetBulkInsertBatchSize() int {
	if c.BulkInsertBatchSize <= 0 {
		return defaultBulkInsertBatchSize
	}
	return c.BulkInsertBatchSize
}
