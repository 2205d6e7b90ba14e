package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionCols = []string{
	"id", "machine_id", "status", "customer_phone", "customer_name",
	"duration_mins", "rate_per_min", "amount_centavos", "currency", "payment_ref",
	"device_confirmed", "started_at", "ends_at", "ended_at", "end_reason",
	"created_at", "updated_at",
}

func TestSessionCreateOpenConflict(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}

	// The partial unique index on open sessions bounced the insert.
	mock.ExpectQuery(`INSERT INTO usage_sessions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "usage_sessions_machine_open_key"})

	err := m.Create(context.Background(), &Session{
		MachineID: uuid.New(), Status: SessionPendingPayment, DurationMins: 15,
	})
	assert.ErrorIs(t, err, ErrOpenSessionExists)
}

func TestSessionActivateGuard(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}
	id := uuid.New()
	start := time.Now().UTC()
	end := start.Add(20 * time.Minute)

	mock.ExpectExec(`UPDATE usage_sessions`).
		WithArgs(start, end, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.Activate(context.Background(), id, start, end)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionActivateAlreadyActivated(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}
	id := uuid.New()
	start := time.Now().UTC()

	mock.ExpectExec(`UPDATE usage_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := m.Activate(context.Background(), id, start, start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second activation of the same session must be a no-op")
}

func TestSessionFinishRejectsNonTerminalStatus(t *testing.T) {
	db, _ := newMockDB(t)
	m := SessionModel{DB: db}

	_, err := m.Finish(context.Background(), uuid.New(), SessionActive, time.Now(), "x")
	assert.Error(t, err)
}

func TestSessionFinishGuard(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}
	id := uuid.New()
	endedAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE usage_sessions`).
		WithArgs(string(SessionCompleted), endedAt, "timer elapsed", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.Finish(context.Background(), id, SessionCompleted, endedAt, "timer elapsed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionExpirePendingReturnsRows(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}
	sessionID := uuid.New()
	machineID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE usage_sessions`).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			sessionID, machineID, "expired", "+5511999990000", "",
			15, int64(100), int64(1500), "BRL", "mp-123",
			false, nil, nil, now, "payment window elapsed",
			now.Add(-11*time.Minute), now,
		))

	expired, err := m.ExpirePending(context.Background(), now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, sessionID, expired[0].ID)
	assert.Equal(t, machineID, expired[0].MachineID)
	assert.Equal(t, SessionExpired, expired[0].Status)
}

func TestSessionGetOpenByMachineNone(t *testing.T) {
	db, mock := newMockDB(t)
	m := SessionModel{DB: db}

	mock.ExpectQuery(`SELECT (.+) FROM usage_sessions`).
		WillReturnRows(sqlmock.NewRows(sessionCols))

	_, err := m.GetOpenByMachine(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.False(t, SessionPendingPayment.Terminal())
	assert.False(t, SessionActive.Terminal())
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionExpired.Terminal())
	assert.True(t, SessionCanceled.Terminal())
	assert.True(t, SessionInterrupted.Terminal())
	assert.True(t, SessionFailed.Terminal())
}
