package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namewatch/sniper/internal/status"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return OpenDB(db), mock
}

func TestTierForWorker(t *testing.T) {
	cases := map[int]Tier{0: TierHigh, 4: TierHigh, 5: TierMedium, 7: TierMedium, 8: TierLow, 9: TierLow, 15: TierMedium}
	for idx, want := range cases {
		assert.Equal(t, want, TierForWorker(idx), "worker %d", idx)
	}
}

func TestClaimBatch_High(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"username"}).AddRow("foo").AddRow("bar")
	mock.ExpectQuery("UPDATE names SET updating = TRUE").
		WithArgs(refillLimit).
		WillReturnRows(rows)

	names, err := s.ClaimBatch(context.Background(), TierHigh)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_Medium_ExcludesBatchTaken(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"username"}).AddRow("baz")
	mock.ExpectQuery("UPDATE names SET updating = TRUE").
		WithArgs(refillLimit, int(status.BatchTaken)).
		WillReturnRows(rows)

	names, err := s.ClaimBatch(context.Background(), TierMedium)
	require.NoError(t, err)
	assert.Equal(t, []string{"baz"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_AuthoritativeOverwritesBumpsUpdatedAt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, frequency FROM names WHERE username").
		WithArgs("foo").
		WillReturnRows(sqlmock.NewRows([]string{"status", "frequency"}).AddRow(int(status.Unknown), 20.0))
	mock.ExpectExec("UPDATE names SET").
		WithArgs("foo", int(status.Available), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, freq, err := s.Submit(context.Background(), "foo", status.Available)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 20.0, freq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_BatchTakenToTakenDoesNotBump(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, frequency FROM names WHERE username").
		WithArgs("foo").
		WillReturnRows(sqlmock.NewRows([]string{"status", "frequency"}).AddRow(int(status.BatchTaken), 1.0))
	mock.ExpectExec("UPDATE names SET").
		WithArgs("foo", int(status.Taken), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, _, err := s.Submit(context.Background(), "foo", status.Taken)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireSnipeSlot_NoRowMeansNoSlot(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE snipes SET count = count \\+ 1").
		WithArgs("bar").
		WillReturnRows(sqlmock.NewRows([]string{"username", "created_at", "needed", "count", "email", "password"}))

	sn, err := s.AcquireSnipeSlot(context.Background(), "bar")
	require.NoError(t, err)
	assert.Nil(t, sn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireSnipeSlot_ReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("UPDATE snipes SET count = count \\+ 1").
		WithArgs("bar").
		WillReturnRows(sqlmock.NewRows([]string{"username", "created_at", "needed", "count", "email", "password"}).
			AddRow("bar", now, int16(2), int16(1), "a@b.com", "pw"))

	sn, err := s.AcquireSnipeSlot(context.Background(), "bar")
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, int16(1), sn.Count)
	assert.Equal(t, int16(2), sn.Needed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSnipe_Idempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO snipes").
		WithArgs("bar", int16(2), "a@b.com", "pw").
		WillReturnResult(sqlmock.NewResult(1, 0))

	inserted, err := s.CreateSnipe(context.Background(), "bar", "a@b.com", "pw", 2)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
