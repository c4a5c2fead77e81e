// Package dbprov creates, initializes and drops tenant databases on the
// shared tenant database server.
package dbprov

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const (
	codeDuplicateDatabase = "42P04"
	codeInvalidCatalog    = "3D000"
)

// SchemaRunner installs application modules into a database. It blocks
// until the external installer exits.
type SchemaRunner interface {
	RunSchemaInit(ctx context.Context, database string, modules []string) error
}

type Options struct {
	Server            models.DatabaseServer
	SchemaInitTimeout time.Duration
	PasswordRounds    int
	MaxConns          int32
}

type Credentials struct {
	Login string
	Name  string
	Email string
	// Password is hashed before it is written. PasswordHash is used as is
	// when Password is empty.
	Password     string
	PasswordHash string
}

// serverDB is the maintenance connection pool on the tenant database server.
type serverDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// tenantDB is a single connection to one tenant database.
type tenantDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

type Provisioner struct {
	pool   serverDB
	dial   func(ctx context.Context, database string) (tenantDB, error)
	runner SchemaRunner
	opts   Options
	log    *zap.Logger
}

func New(ctx context.Context, opts Options, runner SchemaRunner, log *zap.Logger) (*Provisioner, error) {
	maint := opts.Server.MaintenanceDB
	if maint == "" {
		maint = "postgres"
	}
	cfg, err := pgxpool.ParseConfig(ConnString(opts.Server, maint))
	if err != nil {
		return nil, errors.Wrap(err, "parse tenant database server config")
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect tenant database server")
	}
	return newProvisioner(pool, opts, runner, log), nil
}

func newProvisioner(pool serverDB, opts Options, runner SchemaRunner, log *zap.Logger) *Provisioner {
	if opts.SchemaInitTimeout <= 0 {
		opts.SchemaInitTimeout = 15 * time.Minute
	}
	if opts.PasswordRounds <= 0 {
		opts.PasswordRounds = DefaultRounds
	}
	p := &Provisioner{pool: pool, runner: runner, opts: opts, log: log}
	p.dial = func(ctx context.Context, database string) (tenantDB, error) {
		return pgx.Connect(ctx, ConnString(p.opts.Server, database))
	}
	return p
}

func (p *Provisioner) Close() {
	p.pool.Close()
}

func (p *Provisioner) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperrors.External("ping_database_server", err)
	}
	return nil
}

// ConnString builds a postgres URL for database on server.
func ConnString(s models.DatabaseServer, database string) string {
	port := s.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	q := url.Values{}
	sslMode := s.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func createStatement(name, template string) string {
	stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
	if template != "" {
		stmt += " WITH TEMPLATE " + pgx.Identifier{template}.Sanitize()
	}
	return stmt
}

func (p *Provisioner) connect(ctx context.Context, database string) (tenantDB, error) {
	conn, err := p.dial(ctx, database)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", database)
	}
	return conn, nil
}

func (p *Provisioner) exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&found)
	return found, err
}

// empty reports whether the public schema of name holds no tables.
func (p *Provisioner) empty(ctx context.Context, name string) (bool, error) {
	conn, err := p.connect(ctx, name)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)

	var n int
	err = conn.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public'`).Scan(&n)
	return n == 0, err
}

// CreateDatabase creates name from the configured template. An existing
// database without tables counts as already created; one with content is
// reported as a conflict wrapping apperrors.ErrAlreadyExists.
func (p *Provisioner) CreateDatabase(ctx context.Context, name string) error {
	exists, err := p.exists(ctx, name)
	if err != nil {
		return apperrors.External("create_database", err)
	}
	if !exists {
		_, err = p.pool.Exec(ctx, createStatement(name, p.opts.Server.Template))
		if err == nil {
			p.log.Info("created tenant database", zap.String("database", name))
			return nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != codeDuplicateDatabase {
			return apperrors.External("create_database", err)
		}
	}

	empty, err := p.empty(ctx, name)
	if err != nil {
		return apperrors.External("create_database", err)
	}
	if !empty {
		return apperrors.Conflict("database_name", errors.Wrap(apperrors.ErrAlreadyExists, name))
	}
	p.log.Info("tenant database already exists and is empty", zap.String("database", name))
	return nil
}

// InitializeSchema installs modules into name, bounded by the schema init
// timeout, and then checks that every module reports as installed.
func (p *Provisioner) InitializeSchema(ctx context.Context, name string, modules []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SchemaInitTimeout)
	defer cancel()

	start := time.Now()
	if err := p.runner.RunSchemaInit(ctx, name, modules); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.Timeout("initialize_schema",
				fmt.Errorf("schema initialization exceeded %s", p.opts.SchemaInitTimeout))
		}
		return apperrors.External("initialize_schema", err)
	}
	p.log.Info("schema initialized",
		zap.String("database", name),
		zap.Strings("modules", modules),
		zap.Duration("took", time.Since(start)),
	)

	if len(modules) == 0 {
		return nil
	}
	return p.verifyModules(ctx, name, modules)
}

func (p *Provisioner) verifyModules(ctx context.Context, name string, modules []string) error {
	conn, err := p.connect(ctx, name)
	if err != nil {
		return apperrors.External("verify_modules", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx,
		`SELECT name FROM ir_module_module WHERE state = 'installed' AND name = ANY($1)`, modules)
	if err != nil {
		return apperrors.External("verify_modules", err)
	}
	installed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return apperrors.External("verify_modules", err)
	}

	have := make(map[string]bool, len(installed))
	for _, m := range installed {
		have[m] = true
	}
	var missing []string
	for _, m := range modules {
		if !have[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return apperrors.External("verify_modules",
			fmt.Errorf("modules not installed: %s", strings.Join(missing, ", ")))
	}

	// Modules outside the plan are hidden from the tenant's app list.
	if _, err := conn.Exec(ctx,
		`UPDATE ir_module_module SET state = 'uninstallable' WHERE state = 'uninstalled' AND NOT (name = ANY($1))`,
		modules); err != nil {
		p.log.Warn("failed to hide modules outside plan", zap.String("database", name), zap.Error(err))
	}
	return nil
}

// InjectAdminCredentials rewrites the seeded administrator of name with
// the tenant's login, display name and password hash. A database without
// the seeded administrator is an integrity violation.
func (p *Provisioner) InjectAdminCredentials(ctx context.Context, name string, c Credentials) error {
	hash := c.PasswordHash
	if c.Password != "" {
		h, err := HashPassword(c.Password, p.opts.PasswordRounds)
		if err != nil {
			return err
		}
		hash = h
	}
	if hash == "" {
		return apperrors.Validation("admin_password", "required")
	}
	if c.Login == "" {
		return apperrors.Validation("admin_email", "required")
	}

	conn, err := p.connect(ctx, name)
	if err != nil {
		return apperrors.External("inject_admin_credentials", err)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return apperrors.External("inject_admin_credentials", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = rewriteAdmin(ctx, tx, c, hash)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if errors.Is(err, apperrors.ErrAdminRecordNotFound) {
		p.log.Error("seed administrator missing", zap.String("database", name))
		return apperrors.IntegrityErr("inject_admin_credentials", err)
	}
	if err != nil {
		return apperrors.External("inject_admin_credentials", err)
	}

	p.log.Info("admin credentials injected", zap.String("database", name), zap.String("login", c.Login))
	return nil
}

func rewriteAdmin(ctx context.Context, tx pgx.Tx, c Credentials, hash string) error {
	var userID, partnerID int64
	err := tx.QueryRow(ctx,
		`SELECT id, partner_id FROM res_users
		 WHERE login = ANY($1) OR id = 2
		 ORDER BY (login = ANY($1)) DESC, id
		 LIMIT 1`,
		[]string{"admin", c.Login}).Scan(&userID, &partnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrAdminRecordNotFound
	}
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE res_users SET login = $1, password = $2 WHERE id = $3`, c.Login, hash, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return apperrors.ErrAdminRecordNotFound
	}
	_, err = tx.Exec(ctx, `UPDATE res_partner SET name = $1, email = $2 WHERE id = $3`, c.Name, c.Email, partnerID)
	return err
}

// DropDatabase terminates open sessions on name and drops it. Dropping a
// database that does not exist succeeds.
func (p *Provisioner) DropDatabase(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return apperrors.External("drop_database", err)
	}
	if _, err := p.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return apperrors.External("drop_database", err)
	}
	p.log.Info("dropped tenant database", zap.String("database", name))
	return nil
}

// DatabaseSize returns the on-disk size of name in bytes.
func (p *Provisioner) DatabaseSize(ctx context.Context, name string) (int64, error) {
	var size int64
	err := p.pool.QueryRow(ctx, `SELECT pg_database_size($1)`, name).Scan(&size)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeInvalidCatalog {
			return 0, apperrors.NotFound("database_size", name)
		}
		return 0, apperrors.External("database_size", err)
	}
	return size, nil
}

// ActiveUserCount counts active users in name, excluding the built-in
// superuser and public accounts.
func (p *Provisioner) ActiveUserCount(ctx context.Context, name string) (int, error) {
	conn, err := p.connect(ctx, name)
	if err != nil {
		return 0, apperrors.External("count_users", err)
	}
	defer conn.Close(ctx)

	var n int
	if err := conn.QueryRow(ctx, `SELECT count(*) FROM res_users WHERE active AND id > 2`).Scan(&n); err != nil {
		return 0, apperrors.External("count_users", err)
	}
	return n, nil
}
