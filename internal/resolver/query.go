package resolver

import (
	"context"
	"slices"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/loader"
	"github.com/hanpama/libris/internal/store"
)

// BookCount returns the total number of books.
func (r *Resolver) BookCount(ctx context.Context) (int, error) {
	n, err := r.store.CountBooks(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.Persistence, "counting books failed", err)
	}
	return n, nil
}

// AuthorCount returns the total number of authors.
func (r *Resolver) AuthorCount(ctx context.Context) (int, error) {
	n, err := r.store.CountAuthors(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.Persistence, "counting authors failed", err)
	}
	return n, nil
}

// AllBooks lists books with authors populated through the batched loader.
// Filtering is a post-fetch predicate over the full collection — a known
// scaling limit, kept deliberately outside the batching core. The author
// filter matches the populated author name, never the author id.
func (r *Resolver) AllBooks(ctx context.Context, filter store.BookFilter) ([]domain.Book, error) {
	books, err := r.store.ListBooks(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.Persistence, "listing books failed", err)
	}
	books, err = r.populateAuthors(ctx, books)
	if err != nil {
		return nil, err
	}

	if filter.AuthorName != "" {
		books = slices.DeleteFunc(books, func(b domain.Book) bool {
			return b.Author == nil || b.Author.Name != filter.AuthorName
		})
	}
	if filter.Genre != "" {
		books = slices.DeleteFunc(books, func(b domain.Book) bool {
			return !slices.Contains(b.Genres, filter.Genre)
		})
	}
	return books, nil
}

// AllAuthors lists every author with book counts.
func (r *Resolver) AllAuthors(ctx context.Context) ([]domain.Author, error) {
	authors, err := r.store.ListAuthors(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.Persistence, "listing authors failed", err)
	}
	return authors, nil
}

// Me returns the authenticated user, or nil for anonymous requests.
func (r *Resolver) Me(ctx context.Context) (*domain.User, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return nil, nil
	}
	user, err := r.store.FindUserByID(ctx, id.UserID)
	if err != nil {
		if err == store.ErrNotFound {
			// Token subject no longer exists; treat as anonymous.
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.Persistence, "loading current user failed", err)
	}
	return &user, nil
}

// BooksByGenre lists books carrying genre. Same post-fetch filtering note as
// AllBooks.
func (r *Resolver) BooksByGenre(ctx context.Context, genre string) ([]domain.Book, error) {
	if genre == "" {
		return nil, apierr.New(apierr.Validation, "genre must not be empty")
	}
	return r.AllBooks(ctx, store.BookFilter{Genre: genre})
}

// BooksByAuthor lists an author's books, author field populated via the
// loader (a single-key batch).
func (r *Resolver) BooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error) {
	if authorID == "" {
		return nil, apierr.New(apierr.Validation, "author id must not be empty")
	}
	books, err := r.store.ListBooksByAuthorID(ctx, authorID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Persistence, "listing books failed", err)
	}
	return r.populateAuthors(ctx, books)
}

// populateAuthors resolves each book's author through the request's loader.
// All keys are queued before any thunk is awaited, so N books sharing one
// coalescing window cost one batched fetch with the unique author ids.
func (r *Resolver) populateAuthors(ctx context.Context, books []domain.Book) ([]domain.Book, error) {
	ld := r.loaders(ctx).Author
	thunks := make([]func() (domain.Author, error), len(books))
	for i, b := range books {
		thunks[i] = ld.LoadThunk(ctx, b.AuthorID)
	}
	for i := range books {
		author, err := thunks[i]()
		if err != nil {
			if loader.IsBatchFailure(err) {
				return nil, apierr.Wrap(apierr.Transport, "author lookup unavailable", err)
			}
			return nil, apierr.Wrap(apierr.Persistence, "book references unknown author", err).WithArg(books[i].AuthorID)
		}
		books[i].Author = &author
	}
	return books, nil
}
