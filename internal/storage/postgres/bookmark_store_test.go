package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

var bookmarkCols = []string{
	"id", "owner_id", "collection_id", "title", "url", "excerpt",
	"content_snapshot_path", "content_indexed", "type", "domain", "cover_url",
	"is_duplicate", "is_broken", "created_at", "updated_at", "tags",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *BookmarkStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewBookmarkStoreWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func strPtr(s string) *string { return &s }

func bookmarkRow(id, owner int64, title *string, tags []string, created time.Time) []any {
	return []any{
		id, owner, (*int64)(nil), title, "https://example.com/" + slugOf(title), (*string)(nil),
		(*string)(nil), false, strPtr("article"), strPtr("example.com"), (*string)(nil),
		false, false, created, created, tags,
	}
}

func slugOf(title *string) string {
	if title == nil {
		return "untitled"
	}
	return *title
}

func TestNewBookmarkStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewBookmarkStoreWithPool(nil)
	require.Error(t, err)
}

func TestGetBookmarkURL(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT url FROM bookmarks WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://example.com/a"))

	url, err := store.GetBookmarkURL(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", url)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmarkURLNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT url FROM bookmarks WHERE id").
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetBookmarkURL(context.Background(), 404)
	require.ErrorIs(t, err, bookmark.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmarkWithTags(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock, store := newMockStore(t)
	mock.ExpectQuery(`array_agg\(t.name`).
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows(bookmarkCols).
			AddRow(bookmarkRow(8, 2, strPtr("go"), []string{"go", "lang"}, created)...))

	b, err := store.GetBookmarkWithTags(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), b.ID)
	assert.Equal(t, int64(2), b.OwnerID)
	assert.Equal(t, "go", b.TitleOrEmpty())
	assert.Equal(t, []string{"go", "lang"}, b.Tags)
	assert.Equal(t, created, b.CreatedAt)
	assert.Nil(t, b.CollectionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmarkWithTagsNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(`FROM bookmarks b`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetBookmarkWithTags(context.Background(), 9)
	require.ErrorIs(t, err, bookmark.ErrNotFound)
}

func TestUpdateAfterProcessing(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("UPDATE bookmarks").
		WithArgs("Title", "/snapshots/3.html", true, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateAfterProcessing(context.Background(), 3, "Title", "/snapshots/3.html", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAfterProcessingKeepsUpdatedAt(t *testing.T) {
	t.Parallel()

	require.NotContains(t, updateAfterProcessingQuery, "updated_at")
}

func TestUpdateAfterProcessingMissingRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("UPDATE bookmarks").
		WithArgs("Title", "p", true, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateAfterProcessing(context.Background(), 3, "Title", "p", true)
	require.ErrorIs(t, err, bookmark.ErrNotFound)
}

func TestUpdateAfterProcessingExecError(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("UPDATE bookmarks").
		WithArgs("Title", "p", true, int64(3)).
		WillReturnError(errors.New("connection reset"))

	err := store.UpdateAfterProcessing(context.Background(), 3, "Title", "p", true)
	require.ErrorContains(t, err, "connection reset")
}

func TestGetManyWithTagsScopesByOwner(t *testing.T) {
	t.Parallel()

	created := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t)
	ids := []int64{3, 1, 2}
	mock.ExpectQuery(`ANY\(\$1\) AND b.owner_id = \$2`).
		WithArgs(ids, int64(7)).
		WillReturnRows(pgxmock.NewRows(bookmarkCols).
			AddRow(bookmarkRow(1, 7, strPtr("one"), []string{}, created)...).
			AddRow(bookmarkRow(3, 7, nil, []string{"x"}, created)...))

	got, err := store.GetManyWithTags(context.Background(), 7, ids)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
	assert.Nil(t, got[1].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetManyWithTagsEmptyIDsSkipsQuery(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	got, err := store.GetManyWithTags(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookmark(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	notes := strPtr("read later")
	mock.ExpectQuery("INSERT INTO bookmarks").
		WithArgs(int64(4), (*int64)(nil), "https://example.com/x", notes, "example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(99)))

	id, err := store.CreateBookmark(context.Background(), bookmark.NewBookmark{
		OwnerID: 4,
		URL:     "https://example.com/x",
		Notes:   notes,
		Domain:  "example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnindexed(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("WHERE content_indexed = false").
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := store.ListUnindexed(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
