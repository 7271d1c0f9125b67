package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "libris.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAuthorByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1, err := s.UpsertAuthorByName(ctx, "Fyodor Dostoevsky")
	require.NoError(t, err)
	require.NotEmpty(t, a1.ID)

	// Upserting the same name yields the same record.
	a2, err := s.UpsertAuthorByName(ctx, "Fyodor Dostoevsky")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)

	n, err := s.CountAuthors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveBookAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	author, err := s.UpsertAuthorByName(ctx, "Ursula K. Le Guin")
	require.NoError(t, err)

	book, err := s.SaveBook(ctx, domain.Book{
		Title: "The Dispossessed", Published: 1974, Genres: []string{"sf", "utopia"}, AuthorID: author.ID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, book.ID)

	// Same title by the same author is a duplicate.
	_, err = s.SaveBook(ctx, domain.Book{Title: "The Dispossessed", Published: 1974, AuthorID: author.ID})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	books, err := s.ListBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, []string{"sf", "utopia"}, books[0].Genres)

	n, err := s.CountBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindAuthorsByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	le, err := s.UpsertAuthorByName(ctx, "Ursula K. Le Guin")
	require.NoError(t, err)
	lem, err := s.UpsertAuthorByName(ctx, "Stanisław Lem")
	require.NoError(t, err)

	_, err = s.SaveBook(ctx, domain.Book{Title: "The Dispossessed", Published: 1974, AuthorID: le.ID})
	require.NoError(t, err)
	_, err = s.SaveBook(ctx, domain.Book{Title: "The Left Hand of Darkness", Published: 1969, AuthorID: le.ID})
	require.NoError(t, err)

	got, err := s.FindAuthorsByIDs(ctx, []string{le.ID, lem.ID, "no-such-id"})
	require.NoError(t, err)
	require.Len(t, got, 2, "missing ids are absent, not errors")
	assert.Equal(t, 2, got[le.ID].BookCount)
	assert.Equal(t, 0, got[lem.ID].BookCount)

	empty, err := s.FindAuthorsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdateAuthorBorn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAuthorByName(ctx, "Franz Kafka")
	require.NoError(t, err)

	a, err := s.UpdateAuthorBorn(ctx, "Franz Kafka", 1883)
	require.NoError(t, err)
	require.NotNil(t, a.Born)
	assert.Equal(t, 1883, *a.Born)

	_, err = s.UpdateAuthorBorn(ctx, "Unknown", 1900)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.SaveUser(ctx, domain.User{Username: "mika", FavoriteGenre: "sf"})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	_, err = s.SaveUser(ctx, domain.User{Username: "mika"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	byID, err := s.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "mika", byID.Username)

	byName, err := s.FindUserByUsername(ctx, "mika")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	_, err = s.FindUserByUsername(ctx, "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestListAuthors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertAuthorByName(ctx, "Fyodor Dostoevsky")
	require.NoError(t, err)
	_, err = s.SaveBook(ctx, domain.Book{Title: "Demons", Published: 1872, AuthorID: a.ID})
	require.NoError(t, err)

	authors, err := s.ListAuthors(ctx)
	require.NoError(t, err)
	require.Len(t, authors, 1)
	assert.Equal(t, 1, authors[0].BookCount)
}
