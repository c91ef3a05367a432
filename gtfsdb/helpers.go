package gtfsdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OneBusAway/go-gtfs"
	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

//go:embed schema.sql
var ddl string

// createDB creates a new SQLite database with tables for static GTFS data
func createDB(config Config) (*sql.DB, error) {
	if config.Env == appconf.Test && config.DBPath != ":memory:" {
		return nil, fmt.Errorf("test database must use in-memory storage, got path: %s", config.DBPath)
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, err
	}
	configureConnectionPool(db, config)

	ctx := context.Background()
	if err := configureSQLitePerformance(ctx, db); err != nil {
		return nil, fmt.Errorf("error configuring SQLite performance: %w", err)
	}
	if err := performDatabaseMigration(ctx, db); err != nil {
		return nil, fmt.Errorf("error performing database migration: %w", err)
	}
	return db, nil
}

func performDatabaseMigration(ctx context.Context, db *sql.DB) error {
	statements := strings.Split(ddl, "-- migrate")
	for _, stmt := range statements {
		trimmedStmt := strings.TrimSpace(stmt)
		if trimmedStmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, trimmedStmt); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", trimmedStmt, err)
		}
	}
	return nil
}

func (c *Client) processAndStoreGTFSDataWithSource(ctx context.Context, b []byte, source string) error {
	logger := slog.Default().With(slog.String("component", "gtfs_importer"))

	startTime := time.Now()
	defer func() {
		c.importRuntime = time.Since(startTime)
		logging.LogOperation(logger, "gtfs_data_import_completed",
			slog.Duration("duration", c.importRuntime),
			slog.String("source", source))
	}()

	hash := sha256.Sum256(b)
	hashStr := hex.EncodeToString(hash[:])

	existing, err := c.Queries.GetImportMetadata(ctx)
	switch {
	case err == nil:
		if existing.FileHash == hashStr && existing.FileSource == source {
			logging.LogOperation(logger, "gtfs_data_unchanged_skipping_import",
				slog.String("hash", hashStr[:8]))
			return nil
		}
		logging.LogOperation(logger, "gtfs_data_changed_reimporting",
			slog.String("old_hash", existing.FileHash[:min(8, len(existing.FileHash))]),
			slog.String("new_hash", hashStr[:8]))
		if err := c.clearAllGTFSData(ctx); err != nil {
			return fmt.Errorf("error clearing existing GTFS data: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("error checking import metadata: %w", err)
	}

	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return err
	}
	logging.LogOperation(logger, "starting_database_import",
		slog.Int("warnings", len(staticData.Warnings)),
		slog.Int("agencies", len(staticData.Agencies)),
		slog.Int("routes", len(staticData.Routes)),
		slog.Int("stops", len(staticData.Stops)),
		slog.Int("trips", len(staticData.Trips)))

	for _, a := range staticData.Agencies {
		if err := c.Queries.CreateAgency(ctx, CreateAgencyParams{
			ID:       a.Id,
			Name:     a.Name,
			Url:      a.Url,
			Timezone: a.Timezone,
		}); err != nil {
			return fmt.Errorf("unable to create agency: %w", err)
		}
	}

	singleAgencyID := ""
	if len(staticData.Agencies) == 1 {
		singleAgencyID = staticData.Agencies[0].Id
	}
	for _, r := range staticData.Routes {
		agencyID := singleAgencyID
		if r.Agency != nil && r.Agency.Id != "" {
			agencyID = r.Agency.Id
		}
		if err := c.Queries.CreateRoute(ctx, CreateRouteParams{
			ID:        r.Id,
			AgencyID:  agencyID,
			ShortName: toNullString(r.ShortName),
			LongName:  toNullString(r.LongName),
			Desc:      toNullString(r.Description),
			Type:      int64(r.Type),
		}); err != nil {
			return fmt.Errorf("unable to create route: %w", err)
		}
	}

	allStopParams := make([]CreateStopParams, 0, len(staticData.Stops))
	for _, s := range staticData.Stops {
		var parent string
		if s.Parent != nil {
			parent = s.Parent.Id
		}
		allStopParams = append(allStopParams, CreateStopParams{
			ID:            s.Id,
			Name:          toNullString(s.Name),
			ParentStation: toNullString(parent),
			PlatformCode:  toNullString(s.PlatformCode),
			LocationType:  toNullInt64(int64(s.Type)),
		})
	}
	if err := c.bulkInsertStops(ctx, allStopParams); err != nil {
		return fmt.Errorf("unable to create stops: %w", err)
	}

	var allCalendarDateParams []CreateCalendarDateParams
	for _, s := range staticData.Services {
		if err := c.Queries.CreateCalendar(ctx, CreateCalendarParams{
			ID:        s.Id,
			Monday:    boolToInt(s.Monday),
			Tuesday:   boolToInt(s.Tuesday),
			Wednesday: boolToInt(s.Wednesday),
			Thursday:  boolToInt(s.Thursday),
			Friday:    boolToInt(s.Friday),
			Saturday:  boolToInt(s.Saturday),
			Sunday:    boolToInt(s.Sunday),
			StartDate: s.StartDate.Format("20060102"),
			EndDate:   s.EndDate.Format("20060102"),
		}); err != nil {
			return fmt.Errorf("unable to create calendar: %w", err)
		}
		for _, date := range s.AddedDates {
			allCalendarDateParams = append(allCalendarDateParams, CreateCalendarDateParams{
				ServiceID: s.Id, Date: date.Format("20060102"), ExceptionType: exceptionAdded,
			})
		}
		for _, date := range s.RemovedDates {
			allCalendarDateParams = append(allCalendarDateParams, CreateCalendarDateParams{
				ServiceID: s.Id, Date: date.Format("20060102"), ExceptionType: exceptionRemoved,
			})
		}
	}
	if err := c.bulkInsertCalendarDates(ctx, allCalendarDateParams); err != nil {
		return fmt.Errorf("unable to create calendar dates: %w", err)
	}

	allTripParams := make([]CreateTripParams, 0, len(staticData.Trips))
	var allStopTimeParams []CreateStopTimeParams
	for _, t := range staticData.Trips {
		allTripParams = append(allTripParams, CreateTripParams{
			ID:            t.ID,
			RouteID:       t.Route.Id,
			ServiceID:     t.Service.Id,
			TripHeadsign:  toNullString(t.Headsign),
			TripShortName: toNullString(t.ShortName),
			DirectionID:   toNullInt64(int64(t.DirectionId)),
		})
		for _, st := range t.StopTimes {
			allStopTimeParams = append(allStopTimeParams, CreateStopTimeParams{
				TripID:        t.ID,
				ArrivalTime:   int64(st.ArrivalTime / time.Second),
				DepartureTime: int64(st.DepartureTime / time.Second),
				StopID:        st.Stop.Id,
				StopSequence:  int64(st.StopSequence),
				StopHeadsign:  toNullString(st.Headsign),
			})
		}
	}
	if err := c.bulkInsertTrips(ctx, allTripParams); err != nil {
		return fmt.Errorf("unable to create trips: %w", err)
	}
	if err := c.bulkInsertStopTimes(ctx, allStopTimeParams); err != nil {
		return fmt.Errorf("unable to create stop times: %w", err)
	}

	counts, err := c.TableCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get table counts: %w", err)
	}
	logging.LogOperation(logger, "gtfs_tables_loaded",
		slog.Int("stops", counts["stops"]),
		slog.Int("trips", counts["trips"]),
		slog.Int("stop_times", counts["stop_times"]))

	if err := c.Queries.UpsertImportMetadata(ctx, UpsertImportMetadataParams{
		FileHash:   hashStr,
		ImportTime: time.Now().Unix(),
		FileSource: source,
	}); err != nil {
		return fmt.Errorf("error updating import metadata: %w", err)
	}
	logging.LogOperation(logger, "import_metadata_updated_successfully",
		slog.String("hash", hashStr[:8]))
	return nil
}

// clearAllGTFSData empties every schedule table, dependents first.
func (c *Client) clearAllGTFSData(ctx context.Context) error {
	steps := []struct {
		table string
		clear func(context.Context) error
	}{
		{"stop_times", c.Queries.ClearStopTimes},
		{"trips", c.Queries.ClearTrips},
		{"calendar_dates", c.Queries.ClearCalendarDates},
		{"calendar", c.Queries.ClearCalendar},
		{"stops", c.Queries.ClearStops},
		{"routes", c.Queries.ClearRoutes},
		{"agencies", c.Queries.ClearAgencies},
	}
	for _, step := range steps {
		if err := step.clear(ctx); err != nil {
			return fmt.Errorf("error clearing %s: %w", step.table, err)
		}
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func toNullInt64(i int64) sql.NullInt64 {
	if i != 0 {
		return sql.NullInt64{Int64: i, Valid: true}
	}
	return sql.NullInt64{}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (c *Client) bulkInsertStops(ctx context.Context, stops []CreateStopParams) error {
	logger := slog.Default().With(slog.String("component", "bulk_insert"))

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "bulk_insert_stops")

	qtx := c.Queries.WithTx(tx)
	for _, params := range stops {
		if err := qtx.CreateStop(ctx, params); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LogOperation(logger, "stops_inserted", slog.Int("count", len(stops)))
	return nil
}

func (c *Client) bulkInsertTrips(ctx context.Context, trips []CreateTripParams) error {
	logger := slog.Default().With(slog.String("component", "bulk_insert"))

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "bulk_insert_trips")

	qtx := c.Queries.WithTx(tx)
	for _, params := range trips {
		if err := qtx.CreateTrip(ctx, params); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LogOperation(logger, "trips_inserted", slog.Int("count", len(trips)))
	return nil
}

func (c *Client) bulkInsertCalendarDates(ctx context.Context, dates []CreateCalendarDateParams) error {
	if len(dates) == 0 {
		return nil
	}
	logger := slog.Default().With(slog.String("component", "bulk_insert"))

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "bulk_insert_calendar_dates")

	qtx := c.Queries.WithTx(tx)
	for _, params := range dates {
		if err := qtx.CreateCalendarDate(ctx, params); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// preparedStopTimeBatch holds a prepared SQL statement with its arguments
type preparedStopTimeBatch struct {
	query string
	args  []interface{}
	index int // Original index for ordering
	end   int // End position for progress logging
}

// bulkInsertStopTimes builds multi-row INSERTs on a worker pool and runs
// them in order inside one transaction.
func (c *Client) bulkInsertStopTimes(ctx context.Context, stopTimes []CreateStopTimeParams) error {
	logger := slog.Default().With(slog.String("component", "bulk_insert"))
	if len(stopTimes) == 0 {
		return nil
	}

	batchSize := c.config.GetBulkInsertBatchSize()
	const baseQuery = `INSERT INTO stop_times (
		trip_id, arrival_time, departure_time, stop_id, stop_sequence, stop_headsign
	) VALUES `
	numBatches := (len(stopTimes) + batchSize - 1) / batchSize

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "bulk_insert_stop_times")

	numWorkers := runtime.NumCPU()
	batchChan := make(chan int, numWorkers)
	resultsChan := make(chan preparedStopTimeBatch, numWorkers*4)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIndex := range batchChan {
				if ctx.Err() != nil {
					return
				}
				start := batchIndex * batchSize
				end := min(start+batchSize, len(stopTimes))
				batch := stopTimes[start:end]

				// Only placeholders go into the query text.
				var query strings.Builder
				query.WriteString(baseQuery)
				args := make([]interface{}, 0, len(batch)*6)
				for j, params := range batch {
					if j > 0 {
						query.WriteString(", ")
					}
					query.WriteString("(?, ?, ?, ?, ?, ?)")
					args = append(args,
						params.TripID,
						params.ArrivalTime,
						params.DepartureTime,
						params.StopID,
						params.StopSequence,
						params.StopHeadsign,
					)
				}
				resultsChan <- preparedStopTimeBatch{query: query.String(), args: args, index: batchIndex, end: end}
			}
		}()
	}

	go func() {
		defer close(batchChan)
		for i := range numBatches {
			select {
			case <-ctx.Done():
				return
			case batchChan <- i:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	preparedBatches := make([]preparedStopTimeBatch, 0, numBatches)
	for batch := range resultsChan {
		preparedBatches = append(preparedBatches, batch)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sort.Slice(preparedBatches, func(i, j int) bool {
		return preparedBatches[i].index < preparedBatches[j].index
	})

	for _, batch := range preparedBatches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := tx.ExecContext(ctx, batch.query, batch.args...); err != nil {
			return fmt.Errorf("failed to insert stop_times batch: %w", err)
		}
		if batch.end%100000 == 0 || batch.end == len(stopTimes) {
			logging.LogOperation(logger, "stop_times_progress",
				slog.Int("inserted", batch.end),
				slog.Int("total", len(stopTimes)))
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LogOperation(logger, "stop_times_inserted", slog.Int("count", len(stopTimes)))
	return nil
}

// configureSQLitePerformance applies PRAGMA settings for bulk imports and
// board queries.
func configureSQLitePerformance(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		name        string
		description string
	}{
		{"PRAGMA cache_size=-64000", "Set cache size to 64MB"},
		{"PRAGMA temp_store=MEMORY", "Store temporary data in memory"},
	}

	logger := slog.Default().With(slog.String("component", "sqlite_performance"))
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma.name); err != nil {
			logging.LogError(logger, fmt.Sprintf("Failed to set %s", pragma.description), err)
			return fmt.Errorf("failed to execute %s: %w", pragma.name, err)
		}
	}
	logging.LogOperation(logger, "sqlite_performance_settings_applied",
		slog.Int("pragma_count", len(pragmas)))
	return nil
}

// configureConnectionPool limits :memory: databases to one connection,
// since every connection would otherwise get its own empty database.
func configureConnectionPool(db *sql.DB, config Config) {
	if config.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}
