package postgres

import (
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for the audit chains
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// RunMigrations migrates the main database and, when configured, the audit database
func (f *RepositoryFactory) RunMigrations() error {
	if err := f.db.RunMigrations(); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.RunMigrations()
	}
	return nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		AuditEvents:    NewAuditEventRepository(f.AuditDB(), f.logger),
		SecurityEvents: NewSecurityEventRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager over the audit database,
// so business writes wrapped in it commit together with their audit events.
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.AuditDB(), f.logger)
}

// GetDB returns the main database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// AuditDB returns the database holding the audit chains
func (f *RepositoryFactory) AuditDB() *DB {
	if f.auditDB != nil {
		return f.auditDB
	}
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}
