package dbprov

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

func mockServer(t *testing.T, opts Options) (*Provisioner, pgxmock.PgxPoolIface, pgxmock.PgxConnIface) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	conn, err := pgxmock.NewConn()
	require.NoError(t, err)

	p := newProvisioner(pool, opts, nil, zap.NewNop())
	p.dial = func(context.Context, string) (tenantDB, error) { return conn, nil }
	t.Cleanup(func() {
		assert.NoError(t, pool.ExpectationsWereMet())
		assert.NoError(t, conn.ExpectationsWereMet())
	})
	return p, pool, conn
}

func expectExists(pool pgxmock.PgxPoolIface, name string, exists bool) {
	pool.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`)).
		WithArgs(name).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectTableCount(conn pgxmock.PgxConnIface, n int) {
	conn.ExpectQuery(regexp.QuoteMeta(`FROM information_schema.tables`)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(n))
	conn.ExpectClose()
}

func TestCreateDatabaseFromTemplate(t *testing.T) {
	p, pool, _ := mockServer(t, Options{Server: models.DatabaseServer{Template: "template1"}})
	expectExists(pool, "saas_acme", false)
	pool.ExpectExec(regexp.QuoteMeta(`CREATE DATABASE "saas_acme" WITH TEMPLATE "template1"`)).
		WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))

	require.NoError(t, p.CreateDatabase(context.Background(), "saas_acme"))
}

func TestCreateDatabaseExistingEmptyIsNoop(t *testing.T) {
	p, pool, conn := mockServer(t, Options{})
	expectExists(pool, "saas_acme", true)
	expectTableCount(conn, 0)

	require.NoError(t, p.CreateDatabase(context.Background(), "saas_acme"))
}

func TestCreateDatabaseLostRaceToEmptyDatabase(t *testing.T) {
	p, pool, conn := mockServer(t, Options{})
	expectExists(pool, "saas_acme", false)
	pool.ExpectExec(regexp.QuoteMeta(`CREATE DATABASE "saas_acme"`)).
		WillReturnError(&pgconn.PgError{Code: codeDuplicateDatabase, Message: `database "saas_acme" already exists`})
	expectTableCount(conn, 0)

	require.NoError(t, p.CreateDatabase(context.Background(), "saas_acme"))
}

func TestCreateDatabaseExistingWithContentConflicts(t *testing.T) {
	p, pool, conn := mockServer(t, Options{})
	expectExists(pool, "saas_acme", true)
	expectTableCount(conn, 112)

	err := p.CreateDatabase(context.Background(), "saas_acme")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyExists))
}

func TestInjectAdminCredentials(t *testing.T) {
	p, _, conn := mockServer(t, Options{PasswordRounds: 1000})
	conn.ExpectBegin()
	conn.ExpectQuery(regexp.QuoteMeta(`SELECT id, partner_id FROM res_users`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "partner_id"}).AddRow(int64(2), int64(3)))
	conn.ExpectExec(regexp.QuoteMeta(`UPDATE res_users SET login = $1, password = $2 WHERE id = $3`)).
		WithArgs("owner@acme.test", pgxmock.AnyArg(), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	conn.ExpectExec(regexp.QuoteMeta(`UPDATE res_partner SET name = $1, email = $2 WHERE id = $3`)).
		WithArgs("Owner", "owner@acme.test", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	conn.ExpectCommit()
	conn.ExpectClose()

	err := p.InjectAdminCredentials(context.Background(), "saas_acme", Credentials{
		Login: "owner@acme.test", Name: "Owner", Email: "owner@acme.test", Password: "correct-horse",
	})
	require.NoError(t, err)
}

func TestInjectAdminCredentialsWithoutSeedAdmin(t *testing.T) {
	p, _, conn := mockServer(t, Options{})
	conn.ExpectBegin()
	conn.ExpectQuery(regexp.QuoteMeta(`SELECT id, partner_id FROM res_users`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "partner_id"}))
	conn.ExpectRollback()
	conn.ExpectClose()

	err := p.InjectAdminCredentials(context.Background(), "saas_acme", Credentials{
		Login: "owner@acme.test", PasswordHash: "$pbkdf2-sha512$1000$c2FsdA$aGFzaA",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIntegrity, apperrors.KindOf(err))
	assert.False(t, apperrors.Is(err, apperrors.KindExternal))
	assert.True(t, errors.Is(err, apperrors.ErrAdminRecordNotFound))
}

func TestDropDatabaseTwice(t *testing.T) {
	p, pool, _ := mockServer(t, Options{})
	for i := 0; i < 2; i++ {
		pool.ExpectExec(regexp.QuoteMeta(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity`)).
			WithArgs("saas_acme").
			WillReturnResult(pgxmock.NewResult("SELECT", 0))
		pool.ExpectExec(regexp.QuoteMeta(`DROP DATABASE IF EXISTS "saas_acme"`)).
			WillReturnResult(pgxmock.NewResult("DROP DATABASE", 0))
	}

	ctx := context.Background()
	require.NoError(t, p.DropDatabase(ctx, "saas_acme"))
	require.NoError(t, p.DropDatabase(ctx, "saas_acme"))
}

func TestDatabaseSizeMissingDatabase(t *testing.T) {
	p, pool, _ := mockServer(t, Options{})
	pool.ExpectQuery(regexp.QuoteMeta(`SELECT pg_database_size($1)`)).
		WithArgs("saas_gone").
		WillReturnError(&pgconn.PgError{Code: codeInvalidCatalog})

	_, err := p.DatabaseSize(context.Background(), "saas_gone")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
