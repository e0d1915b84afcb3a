package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"greengage-exporter/config"
)

const listDatabasesSQL = `
SELECT datname
FROM pg_database
WHERE datallowconn
  AND datistemplate = false`

// ConnectionProvider hands per-database pools to per-DB collectors.
// With caching enabled, pools live for the process lifetime; otherwise
// each scrape creates throwaway pools that Cleanup closes.
type ConnectionProvider struct {
	perDB   config.PerDBConfig
	mode    config.PerDBMode
	factory *DatasourceFactory

	mu        sync.Mutex
	cache     map[string]*sql.DB
	temporary []*sql.DB
}

func NewConnectionProvider(perDB config.PerDBConfig, factory *DatasourceFactory) *ConnectionProvider {
	mode, err := config.ParsePerDBMode(perDB.Mode)
	if err != nil {
		mode = config.PerDBModeAll
	}
	return &ConnectionProvider{
		perDB:   perDB,
		mode:    mode,
		factory: factory,
		cache:   make(map[string]*sql.DB),
	}
}

// Datasources returns one pool per allowed database. Enumeration
// failures yield an empty list; a failure to create a single pool is
// logged and that database skipped.
func (p *ConnectionProvider) Datasources(ctx context.Context, base *sql.DB) []NamedDB {
	all := p.fetchAllDatabases(ctx, base)
	if len(all) == 0 {
		log.Warn("no databases found")
		return nil
	}

	allowed := p.filterDatabases(all)
	if len(allowed) == 0 {
		if p.mode != config.PerDBModeNone {
			log.WithField("available", all).Warn("no databases allowed after filtering")
		}
		return nil
	}
	sort.Strings(allowed)

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]NamedDB, 0, len(allowed))
	for _, name := range allowed {
		pool, err := p.createOrGetLocked(name)
		if err != nil {
			log.WithError(err).WithField("database", name).Error("error creating datasource")
			continue
		}
		out = append(out, NamedDB{Name: name, DB: pool})
	}
	return out
}

func (p *ConnectionProvider) createOrGetLocked(name string) (*sql.DB, error) {
	if p.perDB.ConnectionCacheEnabled {
		if pool, ok := p.cache[name]; ok {
			return pool, nil
		}
		pool, err := p.factory.Create(name)
		if err != nil {
			return nil, err
		}
		p.cache[name] = pool
		return pool, nil
	}
	pool, err := p.factory.Create(name)
	if err != nil {
		return nil, err
	}
	p.temporary = append(p.temporary, pool)
	return pool, nil
}

// Cleanup closes the throwaway pools created during the last scrape.
// Cached pools are left alone. Safe to call more than once.
func (p *ConnectionProvider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.temporary) == 0 {
		return
	}
	log.WithField("count", len(p.temporary)).Debug("cleaning up temporary datasources")
	for _, pool := range p.temporary {
		if err := pool.Close(); err != nil {
			log.WithError(err).Warn("error closing temporary datasource")
		}
	}
	p.temporary = nil
}

// Close releases cached pools on shutdown.
func (p *ConnectionProvider) Close() {
	p.Cleanup()
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pool := range p.cache {
		if err := pool.Close(); err != nil {
			log.WithError(err).WithField("database", name).Warn("error closing cached datasource")
		}
	}
	p.cache = make(map[string]*sql.DB)
}

func (p *ConnectionProvider) filterDatabases(all []string) []string {
	configured := p.perDB.Databases()
	switch p.mode {
	case config.PerDBModeInclude:
		var out []string
		for _, name := range all {
			if _, ok := configured[name]; ok {
				out = append(out, name)
			}
		}
		return out
	case config.PerDBModeExclude:
		var out []string
		for _, name := range all {
			if _, ok := configured[name]; !ok {
				out = append(out, name)
			}
		}
		return out
	case config.PerDBModeNone:
		return nil
	default:
		return all
	}
}

func (p *ConnectionProvider) fetchAllDatabases(ctx context.Context, base *sql.DB) []string {
	rows, err := base.QueryContext(ctx, listDatabasesSQL)
	if err != nil {
		log.WithError(err).Error("error fetching database list")
		return nil
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.WithError(err).Error("error scanning database name")
			return nil
		}
		databases = append(databases, name)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("error iterating database list")
		return nil
	}
	log.WithField("count", len(databases)).Debug("found databases")
	return databases
}
