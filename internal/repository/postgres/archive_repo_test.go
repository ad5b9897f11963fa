package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
)

const insertRe = `INSERT INTO messages \(id, kind, conversation_id, sender, sent_at, content_enc\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6\) ON CONFLICT \(id\) DO NOTHING`

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func archived(kind model.ChannelKind, conv string) repository.ArchivedMessage {
	return repository.ArchivedMessage{
		ID:             uuid.Must(uuid.NewV4()),
		Kind:           kind,
		ConversationID: conv,
		Sender:         "bob",
		SentAt:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ContentEnc:     []byte("enc"),
	}
}

func TestArchiveRepo_Save_IdempotentInsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	ctx := context.Background()
	m := archived(model.Group, "g1")

	mock.ExpectExec(insertRe).
		WithArgs(m.ID, int16(model.Group), "g1", "bob", m.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insertRe).
		WithArgs(m.ID, int16(model.Group), "g1", "bob", m.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, r.Save(ctx, m))
	require.NoError(t, r.Save(ctx, m), "a repeated id is not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRepo_Save_Validation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)

	m := archived(model.Private, "")
	require.ErrorIs(t, r.Save(context.Background(), m), errs.ErrInvalidArgument)

	m = archived(model.Public, "")
	m.ID = uuid.Nil
	require.ErrorIs(t, r.Save(context.Background(), m), errs.ErrInvalidArgument)
}

func TestArchiveRepo_Save_ExecErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	m := archived(model.Public, "")

	mock.ExpectExec(insertRe).
		WithArgs(m.ID, int16(model.Public), "", "bob", m.SentAt, []byte("enc")).
		WillReturnError(errors.New("exec-fail"))
	require.Error(t, r.Save(context.Background(), m))
}

func TestArchiveRepo_SaveBatch_Commit(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	a, b := archived(model.Public, ""), archived(model.Private, "u2")

	mock.ExpectBegin()
	mock.ExpectExec(insertRe).
		WithArgs(a.ID, int16(model.Public), "", "bob", a.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insertRe).
		WithArgs(b.ID, int16(model.Private), "u2", "bob", b.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.SaveBatch(context.Background(), []repository.ArchivedMessage{a, b}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRepo_SaveBatch_RollbackOnErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	a, b := archived(model.Public, ""), archived(model.Group, "g")

	mock.ExpectBegin()
	mock.ExpectExec(insertRe).
		WithArgs(a.ID, int16(model.Public), "", "bob", a.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insertRe).
		WithArgs(b.ID, int16(model.Group), "g", "bob", b.SentAt, []byte("enc")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	require.Error(t, r.SaveBatch(context.Background(), []repository.ArchivedMessage{a, b}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRepo_SaveBatch_BeginAndCommitErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	a := archived(model.Public, "")

	mock.ExpectBegin().WillReturnError(errors.New("boom"))
	require.Error(t, r.SaveBatch(context.Background(), []repository.ArchivedMessage{a}))

	mock.ExpectBegin()
	mock.ExpectExec(insertRe).
		WithArgs(a.ID, int16(model.Public), "", "bob", a.SentAt, []byte("enc")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit-fail"))
	require.Error(t, r.SaveBatch(context.Background(), []repository.ArchivedMessage{a}))

	require.NoError(t, r.SaveBatch(context.Background(), nil), "empty batch touches nothing")
}

func TestArchiveRepo_ListConversation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	id1, id2 := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	rows := pgxmock.NewRows([]string{"id", "kind", "conversation_id", "sender", "sent_at", "content_enc"}).
		AddRow(id2, int16(model.Group), "g1", "carol", t0.Add(time.Minute), []byte("b")).
		AddRow(id1, int16(model.Group), "g1", "bob", t0, []byte("a"))
	mock.ExpectQuery(`SELECT id, kind, conversation_id, sender, sent_at, content_enc FROM messages WHERE kind=\$1 AND conversation_id=\$2 ORDER BY sent_at DESC LIMIT \$3`).
		WithArgs(int16(model.Group), "g1", DefaultListLimit).
		WillReturnRows(rows)

	out, err := r.ListConversation(context.Background(), model.GroupKey("g1"), 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, id1, out[0].ID, "oldest first")
	require.Equal(t, model.GroupKey("g1"), out[1].Key())
}

func TestArchiveRepo_ListConversation_Errors(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)

	mock.ExpectQuery(`SELECT id, kind`).
		WithArgs(int16(model.Public), "", 5).
		WillReturnError(errors.New("q-fail"))
	_, err := r.ListConversation(context.Background(), model.PublicKey(), 5)
	require.Error(t, err)

	rows := pgxmock.NewRows([]string{"id", "kind", "conversation_id", "sender", "sent_at", "content_enc"}).
		AddRow(uuid.Must(uuid.NewV4()), int16(0), "", "x", time.Now(), []byte("a")).
		RowError(0, errors.New("row-fail"))
	mock.ExpectQuery(`SELECT id, kind`).
		WithArgs(int16(model.Public), "", 5).
		WillReturnRows(rows)
	_, err = r.ListConversation(context.Background(), model.PublicKey(), 5)
	require.Error(t, err)
}

func TestArchiveRepo_Count(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewArchiveRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))
	n, err := r.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages`).WillReturnError(errors.New("down"))
	_, err = r.Count(context.Background())
	require.Error(t, err)
}
