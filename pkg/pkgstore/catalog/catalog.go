// Package catalog persists package store entries in a SQL database
// (SQLite by default, PostgreSQL for shared deployments) through GORM.
//
// The cook command writes one row per cooked package; the loader can use a
// catalog as a pkgstore.Store instead of mounting container headers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

// ErrPackageNotFound is returned when no row matches.
var ErrPackageNotFound = errors.New("package not in catalog")

// DatabaseType selects the SQL backend.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses an embedded SQLite file (default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses a PostgreSQL server.
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path of the database file. ":memory:" keeps it in memory.
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += " sslmode=" + c.SSLMode
	}
	return dsn
}

// Config selects and configures the database.
type Config struct {
	Type     DatabaseType   `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// ApplyDefaults fills in missing values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, _ := os.UserHomeDir()
			configDir = filepath.Join(home, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "pkgload", "catalog.db")
	}
	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 10
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 2
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// PackageRecord is one cooked package.
type PackageRecord struct {
	ID          string    `gorm:"primaryKey;size:16"`
	Name        string    `gorm:"uniqueIndex;not null;size:1024"`
	ExportCount uint32    `gorm:"not null"`
	BundleCount uint32    `gorm:"not null"`
	Container   string    `gorm:"index;size:255"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`

	Imports []ImportRecord `gorm:"foreignKey:PackageID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for PackageRecord.
func (PackageRecord) TableName() string { return "packages" }

// ImportRecord is one imported package of a PackageRecord.
type ImportRecord struct {
	ID        uint   `gorm:"primaryKey"`
	PackageID string `gorm:"index;not null;size:16"`
	Position  int    `gorm:"not null"`
	Imported  string `gorm:"not null;size:16"`
}

// TableName returns the table name for ImportRecord.
func (ImportRecord) TableName() string { return "package_imports" }

func allModels() []any {
	return []any{&PackageRecord{}, &ImportRecord{}}
}

// Catalog is a pkgstore.Store backed by GORM.
type Catalog struct {
	db  *gorm.DB
	cfg Config
}

var _ pkgstore.Store = (*Catalog)(nil)

// New opens the database and migrates the schema.
func New(cfg Config) (*Catalog, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case DatabaseTypeSQLite:
		if cfg.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	case DatabaseTypePostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	switch {
	case cfg.Type == DatabaseTypePostgres:
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	case cfg.SQLite.Path == ":memory:":
		// every connection would open its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	logger.Debug("catalog opened", "type", string(cfg.Type))
	return &Catalog{db: db, cfg: cfg}, nil
}

// DB returns the underlying connection.
func (c *Catalog) DB() *gorm.DB { return c.db }

func toRecord(e pkgstore.Entry) PackageRecord {
	id := e.ID
	if !id.IsValid() {
		id = pkgid.FromName(e.Name)
	}
	r := PackageRecord{
		ID:          id.String(),
		Name:        e.Name,
		ExportCount: e.ExportCount,
		BundleCount: e.BundleCount,
		Container:   e.Container,
	}
	for i, imp := range e.ImportedPackages {
		r.Imports = append(r.Imports, ImportRecord{PackageID: r.ID, Position: i, Imported: imp.String()})
	}
	return r
}

func fromRecord(r PackageRecord) (pkgstore.Entry, error) {
	id, err := pkgid.Parse(r.ID)
	if err != nil {
		return pkgstore.Entry{}, fmt.Errorf("catalog row %q: %w", r.Name, err)
	}
	e := pkgstore.Entry{
		ID:          id,
		Name:        r.Name,
		ExportCount: r.ExportCount,
		BundleCount: r.BundleCount,
		Container:   r.Container,
	}
	for _, imp := range r.Imports {
		ip, err := pkgid.Parse(imp.Imported)
		if err != nil {
			return pkgstore.Entry{}, fmt.Errorf("catalog row %q import: %w", r.Name, err)
		}
		e.ImportedPackages = append(e.ImportedPackages, ip)
	}
	return e, nil
}

func orderedImports(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// Save upserts entries in one transaction.
func (c *Catalog) Save(ctx context.Context, entries []pkgstore.Entry) error {
	ctx, span := telemetry.StartCatalogSpan(ctx, telemetry.SpanCatalogSave, telemetry.PackageCount(len(entries)))
	defer span.End()

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			r := toRecord(e)
			if err := tx.Where("package_id = ?", r.ID).Delete(&ImportRecord{}).Error; err != nil {
				return err
			}
			imports := r.Imports
			r.Imports = nil
			upsert := clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "export_count", "bundle_count", "container", "updated_at"}),
			}
			if err := tx.Clauses(upsert).Create(&r).Error; err != nil {
				return err
			}
			if len(imports) > 0 {
				if err := tx.Create(&imports).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("save catalog entries: %w", err)
	}
	return nil
}

// Get returns the entry of id.
func (c *Catalog) Get(ctx context.Context, id pkgid.ID) (pkgstore.Entry, error) {
	return c.first(ctx, "id = ?", id.String())
}

// FindByName returns the entry named name.
func (c *Catalog) FindByName(ctx context.Context, name string) (pkgstore.Entry, error) {
	return c.first(ctx, "name = ?", name)
}

func (c *Catalog) first(ctx context.Context, query string, arg any) (pkgstore.Entry, error) {
	ctx, span := telemetry.StartCatalogSpan(ctx, telemetry.SpanCatalogQuery)
	defer span.End()

	var r PackageRecord
	err := c.db.WithContext(ctx).Preload("Imports", orderedImports).Where(query, arg).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgstore.Entry{}, ErrPackageNotFound
	}
	if err != nil {
		return pkgstore.Entry{}, err
	}
	return fromRecord(r)
}

// List returns every entry, optionally restricted to one container.
func (c *Catalog) List(ctx context.Context, container string) ([]pkgstore.Entry, error) {
	ctx, span := telemetry.StartCatalogSpan(ctx, telemetry.SpanCatalogQuery, telemetry.Container(container))
	defer span.End()

	q := c.db.WithContext(ctx).Preload("Imports", orderedImports).Order("name ASC")
	if container != "" {
		q = q.Where("container = ?", container)
	}
	var records []PackageRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]pkgstore.Entry, 0, len(records))
	for _, r := range records {
		e, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteContainer removes every entry of container.
func (c *Catalog) DeleteContainer(ctx context.Context, container string) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&PackageRecord{}).Select("id").Where("container = ?", container)
		if err := tx.Where("package_id IN (?)", sub).Delete(&ImportRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("container = ?", container).Delete(&PackageRecord{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// Lookup implements pkgstore.Store.
func (c *Catalog) Lookup(id pkgid.ID) (pkgstore.Entry, bool) {
	e, err := c.Get(context.Background(), id)
	if err != nil {
		if !errors.Is(err, ErrPackageNotFound) {
			logger.Warn("catalog lookup failed", logger.KeyPackageID, id.String(), logger.Err(err))
		}
		return pkgstore.Entry{}, false
	}
	return e, true
}

// Healthcheck pings the database.
func (c *Catalog) Healthcheck(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
