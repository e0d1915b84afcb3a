package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"greengage-exporter/config"
)

const (
	perDBPoolSize    = 1
	perDBMaxLifetime = 2 * time.Minute
	maxDBNameBytes   = 63
)

var (
	dbNameCharset   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	trailingPathSeg = regexp.MustCompile(`(/)([^/]+)$`)
)

// NamedDB pairs a per-database pool with its database name.
type NamedDB struct {
	Name string
	DB   *sql.DB
}

// BuildDSN injects the configured credentials into the base URL.
func BuildDSN(baseURL, username, password string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse datasource url: %w", err)
	}
	if username != "" {
		if password != "" {
			u.User = url.UserPassword(username, password)
		} else {
			u.User = url.User(username)
		}
	}
	return u.String(), nil
}

// ValidateDatabaseName rejects names that cannot safely become a URL
// path segment.
func ValidateDatabaseName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("database name is empty")
	}
	if strings.ContainsAny(name, `;'"`) || strings.Contains(name, "--") {
		return fmt.Errorf("database name %q contains invalid characters", name)
	}
	if !dbNameCharset.MatchString(name) {
		return fmt.Errorf("database name %q contains characters outside [A-Za-z0-9_-]", name)
	}
	if len(name) > maxDBNameBytes {
		return fmt.Errorf("database name %q exceeds %d bytes", name, maxDBNameBytes)
	}
	return nil
}

// DatasourceFactory creates single-connection pools pointed at
// individual databases of the same cluster.
type DatasourceFactory struct {
	cfg config.DatasourceConfig
}

func NewDatasourceFactory(cfg config.DatasourceConfig) *DatasourceFactory {
	return &DatasourceFactory{cfg: cfg}
}

// URLForDatabase rewrites the path of the base URL to point at the
// given database, keeping query parameters intact.
func (f *DatasourceFactory) URLForDatabase(databaseName string) string {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return trailingPathSeg.ReplaceAllString(f.cfg.URL, "/"+databaseName)
	}
	u.Path = "/" + databaseName
	return u.String()
}

// Create opens a pool for the named database. The pool holds a single
// connection with a short lifetime so idle per-DB connections do not
// accumulate.
func (f *DatasourceFactory) Create(databaseName string) (*sql.DB, error) {
	if err := ValidateDatabaseName(databaseName); err != nil {
		return nil, err
	}
	dsn, err := BuildDSN(f.URLForDatabase(databaseName), f.cfg.Username, f.cfg.Password)
	if err != nil {
		return nil, err
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open datasource for %s: %w", databaseName, err)
	}
	pool.SetMaxOpenConns(perDBPoolSize)
	pool.SetMaxIdleConns(perDBPoolSize)
	pool.SetConnMaxLifetime(perDBMaxLifetime)
	log.WithField("database", databaseName).Debug("created per-database datasource")
	return pool, nil
}
