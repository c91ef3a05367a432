package gtfsdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

const maxStaticBodySize = 200 * 1024 * 1024

// Client is the main entry point for the library
type Client struct {
	config        Config
	DB            *sql.DB
	Queries       *Queries
	importRuntime time.Duration
}

// NewClient creates a new Client with the provided configuration
func NewClient(config Config) (*Client, error) {
	db, err := createDB(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create DB: %w", err)
	} else if config.verbose {
		logging.LogOperation(slog.Default(), "gtfsdb_tables_created",
			slog.String("db_path", config.DBPath))
	}

	return &Client{
		config:  config,
		DB:      db,
		Queries: New(db),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) GetDBPath() string {
	return c.config.DBPath
}

// ImportRuntime is how long the last import took, zero before the first.
func (c *Client) ImportRuntime() time.Duration {
	return c.importRuntime
}

// ImportStatic loads a GTFS zip from an http(s) URL or a local path.
// Importing the same bytes from the same source again is a no-op.
func (c *Client) ImportStatic(ctx context.Context, source string) error {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return c.DownloadAndStore(ctx, source, "", "")
	}
	return c.ImportFromFile(ctx, source)
}

// DownloadAndStore downloads GTFS data from the given URL and stores it in the database
func (c *Client) DownloadAndStore(ctx context.Context, url, authHeaderKey, authHeaderValue string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	// Add auth header if provided
	if authHeaderKey != "" && authHeaderValue != "" {
		req.Header.Set(authHeaderKey, authHeaderValue)
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "gtfs_importer")),
		"static_gtfs_response_body")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("static GTFS download returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStaticBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > maxStaticBodySize {
		return fmt.Errorf("static GTFS response exceeds size limit of %d bytes", maxStaticBodySize)
	}

	return c.processAndStoreGTFSDataWithSource(ctx, body, url)
}

// ImportFromFile imports GTFS data from a local zip file into the database
func (c *Client) ImportFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.processAndStoreGTFSDataWithSource(ctx, data, path)
}
