// Package store declares the persistence collaborator consumed by the
// resolver layer. Implementations live in sqlstore; tests use Mock.
package store

import (
	"context"
	"errors"

	"github.com/hanpama/libris/internal/domain"
)

// ErrNotFound reports that a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate reports a uniqueness violation (username, title+author).
var ErrDuplicate = errors.New("store: duplicate")

// BookFilter narrows ListBooks. Zero value matches everything.
// AuthorName matches the populated author name, not the author id.
type BookFilter struct {
	AuthorName string
	Genre      string
}

// Store is the persistence surface of the service.
//
// FindAuthorsByIDs is the batched fetch behind the author loader: it returns
// one record per found id, keyed by id, with BookCount populated. Absent ids
// are simply missing from the map; that is a per-key condition, not an error.
type Store interface {
	CountBooks(ctx context.Context) (int, error)
	CountAuthors(ctx context.Context) (int, error)

	ListBooks(ctx context.Context) ([]domain.Book, error)
	ListBooksByAuthorID(ctx context.Context, authorID string) ([]domain.Book, error)
	SaveBook(ctx context.Context, book domain.Book) (domain.Book, error)

	ListAuthors(ctx context.Context) ([]domain.Author, error)
	FindAuthorsByIDs(ctx context.Context, ids []string) (map[string]domain.Author, error)
	FindAuthorByName(ctx context.Context, name string) (domain.Author, error)
	UpsertAuthorByName(ctx context.Context, name string) (domain.Author, error)
	UpdateAuthorBorn(ctx context.Context, name string, born int) (domain.Author, error)

	FindUserByID(ctx context.Context, id string) (domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (domain.User, error)
	SaveUser(ctx context.Context, user domain.User) (domain.User, error)
}
