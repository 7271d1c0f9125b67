package resolver

import (
	"context"
	"errors"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/store"
)

// AddBook creates a book, upserting its author by name, and broadcasts the
// result on the book-added topic. The identity check runs before any side
// effect; a failed save publishes nothing.
func (r *Resolver) AddBook(ctx context.Context, input AddBookInput) (domain.Book, error) {
	if _, ok := auth.FromContext(ctx); !ok {
		return domain.Book{}, apierr.New(apierr.AuthRequired, "not authenticated")
	}
	if input.Title == "" {
		return domain.Book{}, apierr.New(apierr.Validation, "title must not be empty").WithArg(input.Title)
	}
	if input.Author == "" {
		return domain.Book{}, apierr.New(apierr.Validation, "author must not be empty").WithArg(input.Author)
	}

	author, err := r.store.UpsertAuthorByName(ctx, input.Author)
	if err != nil {
		return domain.Book{}, apierr.Wrap(apierr.Persistence, "saving author failed", err).WithArg(input.Author)
	}

	book, err := r.store.SaveBook(ctx, domain.Book{
		Title:     input.Title,
		Published: input.Published,
		Genres:    input.Genres,
		AuthorID:  author.ID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Book{}, apierr.New(apierr.Validation, "book already exists").WithArg(input.Title)
		}
		return domain.Book{}, apierr.Wrap(apierr.Persistence, "saving book failed", err).WithArg(input.Author)
	}

	// Fetch the author fresh so the returned book (and the broadcast) carry
	// the post-save book count, then reseed the request's loader cache.
	fresh, err := r.store.FindAuthorsByIDs(ctx, []string{author.ID})
	if err == nil {
		if a, ok := fresh[author.ID]; ok {
			author = a
		}
	}
	book.Author = &author
	ld := r.loaders(ctx).Author
	ld.Clear(author.ID)
	ld.Prime(author.ID, author)

	// The write committed; a bus already torn down (process shutdown) must
	// not turn the mutation into a failure.
	_ = r.bus.Publish(TopicBookAdded, book)

	return book, nil
}

// EditAuthor sets an author's birth year. Requires identity before touching
// the store.
func (r *Resolver) EditAuthor(ctx context.Context, name string, born int) (domain.Author, error) {
	if _, ok := auth.FromContext(ctx); !ok {
		return domain.Author{}, apierr.New(apierr.AuthRequired, "not authenticated")
	}
	if name == "" {
		return domain.Author{}, apierr.New(apierr.Validation, "name must not be empty").WithArg(name)
	}
	author, err := r.store.UpdateAuthorBorn(ctx, name, born)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Author{}, apierr.New(apierr.Validation, "author not found").WithArg(name)
		}
		return domain.Author{}, apierr.Wrap(apierr.Persistence, "saving birth year failed", err).WithArg(name)
	}
	return author, nil
}

// CreateUser registers a new account. Open to anonymous callers.
func (r *Resolver) CreateUser(ctx context.Context, username, favoriteGenre string) (domain.User, error) {
	if username == "" {
		return domain.User{}, apierr.New(apierr.Validation, "username must not be empty").WithArg(username)
	}
	user, err := r.store.SaveUser(ctx, domain.User{Username: username, FavoriteGenre: favoriteGenre})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, apierr.New(apierr.Validation, "username already taken").WithArg(username)
		}
		return domain.User{}, apierr.Wrap(apierr.Persistence, "creating the user failed", err).WithArg(username)
	}
	return user, nil
}

// Login exchanges credentials for a bearer token. Unknown user and wrong
// password are indistinguishable to the caller.
func (r *Resolver) Login(ctx context.Context, username, password string) (domain.Token, error) {
	user, err := r.store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Token{}, apierr.New(apierr.AuthInvalid, "wrong credentials")
		}
		return domain.Token{}, apierr.Wrap(apierr.Persistence, "login lookup failed", err)
	}
	if !r.auth.CheckPassword(password) {
		return domain.Token{}, apierr.New(apierr.AuthInvalid, "wrong credentials")
	}
	token, err := r.auth.IssueToken(user)
	if err != nil {
		return domain.Token{}, apierr.Wrap(apierr.Persistence, "issuing token failed", err)
	}
	return token, nil
}
