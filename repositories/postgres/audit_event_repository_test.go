package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/legal-audit/internal/integrity"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"go.uber.org/zap"
)

var auditEventRowColumns = []string{
	"id", "tenant_scope", "entity_type", "entity_id", "actor_id", "action", "changes",
	"ip_address", "user_agent", "created_at", "chain_seq", "payload_hash", "prev_hash",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return WrapDB(sqlDB, zap.NewNop()), mock
}

func chainedEvent(seq int64, prevHash string) *models.AuditEvent {
	e := models.NewAuditEvent("firm-1", "case", "case-42", models.AuditActionUpdate).
		WithActor("lawyer-7").
		WithChanges(models.Changes{"estado": models.Diff("activo", "cerrado")})
	e.ChainSeq = seq
	e.PrevHash = prevHash
	e.PayloadHash = strings.Repeat("b", 64)
	return e
}

func TestAuditEventRepository_ChainHead(t *testing.T) {
	ctx := context.Background()

	t.Run("existing head", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		now := time.Now().UTC()
		mock.ExpectQuery("SELECT tenant_scope, seq, head_hash, updated_at FROM audit_chain_heads").
			WithArgs("firm-1").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_scope", "seq", "head_hash", "updated_at"}).
				AddRow("firm-1", 7, strings.Repeat("a", 64), now))

		head, err := repo.ChainHead(ctx, "firm-1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), head.Seq)
		assert.Equal(t, strings.Repeat("a", 64), head.HeadHash)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty chain yields genesis head", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM audit_chain_heads").
			WithArgs("firm-new").
			WillReturnError(sql.ErrNoRows)

		head, err := repo.ChainHead(ctx, "firm-new")
		require.NoError(t, err)
		assert.True(t, head.IsGenesis())
		assert.Equal(t, "firm-new", head.TenantScope)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM audit_chain_heads").WillReturnError(errors.New("connection reset"))

		_, err := repo.ChainHead(ctx, "firm-1")
		assert.Error(t, err)
	})
}

func TestAuditEventRepository_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("genesis event creates head", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())
		event := chainedEvent(1, models.GenesisPrevHash)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO audit_chain_heads").
			WithArgs("firm-1", int64(1), event.PayloadHash, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Append(ctx, event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("successor advances head with compare-and-set", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())
		prev := strings.Repeat("a", 64)
		event := chainedEvent(5, prev)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE audit_chain_heads").
			WithArgs("firm-1", int64(5), event.PayloadHash, sqlmock.AnyArg(), int64(4), prev).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(event.ID, "firm-1", "case", "case-42", event.ActorID, event.Action,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), event.CreatedAt,
				int64(5), event.PayloadHash, prev).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Append(ctx, event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("moved head is a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())
		event := chainedEvent(5, strings.Repeat("a", 64))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE audit_chain_heads").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.Append(ctx, event)
		assert.ErrorIs(t, err, repositories.ErrChainConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent genesis is a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO audit_chain_heads").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.Append(ctx, chainedEvent(1, ""))
		assert.ErrorIs(t, err, repositories.ErrChainConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate sequence is a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE audit_chain_heads").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := repo.Append(ctx, chainedEvent(2, strings.Repeat("a", 64)))
		assert.ErrorIs(t, err, repositories.ErrChainConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure is not a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE audit_chain_heads").WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := repo.Append(ctx, chainedEvent(2, strings.Repeat("a", 64)))
		require.Error(t, err)
		assert.False(t, errors.Is(err, repositories.ErrChainConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("joins caller transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE cases SET estado").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE audit_chain_heads").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
			if _, err := GetExecutor(txCtx, db).ExecContext(txCtx, "UPDATE cases SET estado = 'cerrado'"); err != nil {
				return err
			}
			return repo.Append(txCtx, chainedEvent(2, strings.Repeat("a", 64)))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditEventRepository_GetByID(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	created := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM audit_events WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(auditEventRowColumns).AddRow(
				id.String(), "firm-1", "case", "case-42", nil, "VIEW_PII",
				[]byte(`{"cedula":"[REDACTED]"}`), nil, "agent", created, 3,
				strings.Repeat("c", 64), strings.Repeat("d", 64),
			))

		event, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, event.ID)
		assert.Nil(t, event.ActorID)
		assert.Equal(t, models.AuditActionViewPII, event.Action)
		assert.Equal(t, "[REDACTED]", event.Changes["cedula"].Value)
		assert.Equal(t, "", event.IPAddress)
		assert.Equal(t, "agent", event.UserAgent)
		assert.Equal(t, int64(3), event.ChainSeq)
		assert.True(t, created.Equal(event.CreatedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM audit_events").WithArgs(id).WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByID(ctx, id)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestAuditEventRepository_Lists(t *testing.T) {
	ctx := context.Background()
	created := time.Now().UTC()

	row := func(rows *sqlmock.Rows, seq int64) *sqlmock.Rows {
		return rows.AddRow(uuid.NewString(), "firm-1", "case", "case-42", "lawyer-7", "UPDATE",
			[]byte(`{"estado":{"from":"activo","to":"cerrado"}}`), "10.0.0.1", "agent", created, seq,
			strings.Repeat("e", 64), strings.Repeat("f", 64))
	}

	t.Run("chain page ascending", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		rows := sqlmock.NewRows(auditEventRowColumns)
		row(rows, 11)
		row(rows, 12)
		mock.ExpectQuery("WHERE tenant_scope = \\$1 AND chain_seq > \\$2 ORDER BY chain_seq ASC").
			WithArgs("firm-1", int64(10), 500).
			WillReturnRows(rows)

		events, err := repo.ListChain(ctx, "firm-1", 10, 500)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(11), events[0].ChainSeq)
		assert.True(t, events[0].Changes["estado"].IsDiff())
		require.NotNil(t, events[0].ActorID)
		assert.Equal(t, "lawyer-7", *events[0].ActorID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("by entity", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("WHERE tenant_scope = \\$1 AND entity_type = \\$2 AND entity_id = \\$3").
			WithArgs("firm-1", "case", "case-42", 20, 0).
			WillReturnRows(row(sqlmock.NewRows(auditEventRowColumns), 1))

		events, err := repo.ListByEntity(ctx, "firm-1", "case", "case-42", 20, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("by actor", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("WHERE tenant_scope = \\$1 AND actor_id = \\$2").
			WithArgs("firm-1", "lawyer-7", 20, 40).
			WillReturnRows(sqlmock.NewRows(auditEventRowColumns))

		events, err := repo.ListByActor(ctx, "firm-1", "lawyer-7", 20, 40)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tenants", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditEventRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT tenant_scope FROM audit_chain_heads").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_scope"}).AddRow("firm-1").AddRow("firm-2"))

		tenants, err := repo.ListTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"firm-1", "firm-2"}, tenants)
	})
}

func TestAuditEventRepository_NumbersSurviveJSONBRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	repo := NewAuditEventRepository(db, zap.NewNop())

	changes, err := models.Changes{
		"monto": models.Value(json.Number("1e2")),
		"tasa":  models.Value(json.Number("1e-7")),
		"big":   models.Value(1e21),
		"saldo": models.Diff(json.Number("1.50"), json.Number("-0")),
	}.Normalize()
	require.NoError(t, err)

	event := models.NewAuditEvent("firm-1", "invoice", "inv-9", models.AuditActionUpdate).
		WithActor("lawyer-7").
		WithChanges(changes)
	event.CreatedAt = integrity.NormalizeTime(time.Date(2026, 5, 2, 10, 0, 0, 123456000, time.UTC))
	event.ChainSeq = 1
	event.PayloadHash, err = integrity.ComputeHash(event)
	require.NoError(t, err)

	// numeric output of a jsonb column: plain decimals, keys reordered, spaces added
	stored := `{"big": 1000000000000000000000, "tasa": 0.0000001, "monto": 100, "saldo": {"to": 0, "from": 1.50}}`
	mock.ExpectQuery("FROM audit_events WHERE id = \\$1").
		WithArgs(event.ID).
		WillReturnRows(sqlmock.NewRows(auditEventRowColumns).AddRow(
			event.ID.String(), "firm-1", "invoice", "inv-9", "lawyer-7", "UPDATE",
			[]byte(stored), nil, nil, event.CreatedAt, 1, event.PayloadHash, "",
		))

	reloaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, integrity.Matches(reloaded))
	assert.Equal(t, json.Number("100"), reloaded.Changes["monto"].Value)
}
