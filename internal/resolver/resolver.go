// Package resolver binds the store, the batching loader, and the event bus
// into the operations exposed by the API. It holds no domain persistence
// logic of its own: reads and writes go through the store collaborator, and
// the resolver only orchestrates batching, authorization, and the
// book-added broadcast.
package resolver

import (
	"context"

	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/eventbus"
	"github.com/hanpama/libris/internal/loader"
	"github.com/hanpama/libris/internal/store"
)

// AddBookInput is the addBook mutation's input.
type AddBookInput struct {
	Title     string
	Author    string
	Published int
	Genres    []string
}

// Operations is the full API surface, one method per exposed operation.
// The GraphQL layer dispatches onto it; tests can drive it directly.
type Operations interface {
	BookCount(ctx context.Context) (int, error)
	AuthorCount(ctx context.Context) (int, error)
	AllBooks(ctx context.Context, filter store.BookFilter) ([]domain.Book, error)
	AllAuthors(ctx context.Context) ([]domain.Author, error)
	Me(ctx context.Context) (*domain.User, error)
	BooksByGenre(ctx context.Context, genre string) ([]domain.Book, error)
	BooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error)

	AddBook(ctx context.Context, input AddBookInput) (domain.Book, error)
	EditAuthor(ctx context.Context, name string, born int) (domain.Author, error)
	CreateUser(ctx context.Context, username, favoriteGenre string) (domain.User, error)
	Login(ctx context.Context, username, password string) (domain.Token, error)

	BookAdded(ctx context.Context) (*eventbus.Session, error)
}

// Resolver implements Operations.
type Resolver struct {
	store     store.Store
	bus       *eventbus.Bus
	auth      *auth.Service
	loaderCfg loader.Config
}

// New creates a Resolver. bus and auth are injected; the resolver never
// reaches for ambient globals.
func New(st store.Store, bus *eventbus.Bus, authSvc *auth.Service, loaderCfg loader.Config) *Resolver {
	return &Resolver{store: st, bus: bus, auth: authSvc, loaderCfg: loaderCfg}
}

// Auth exposes the token service for the transport layer's bearer handling.
func (r *Resolver) Auth() *auth.Service { return r.auth }

var _ Operations = (*Resolver)(nil)

// Loaders is the per-request batching state. It must never be shared across
// unrelated requests: the author cache inside it is the request-scoped
// memoization the loader contract requires.
type Loaders struct {
	Author *loader.Loader[string, domain.Author]
}

type loadersKey struct{}

// WithLoaders attaches a fresh Loaders set to ctx. The transport layer calls
// this once per incoming request.
func (r *Resolver) WithLoaders(ctx context.Context) context.Context {
	return context.WithValue(ctx, loadersKey{}, r.newLoaders())
}

func (r *Resolver) newLoaders() *Loaders {
	return &Loaders{
		Author: loader.New(r.store.FindAuthorsByIDs, r.loaderCfg),
	}
}

// loaders returns the request's Loaders, or a fresh set when the caller did
// not attach one (direct Operations use, subscription delivery). Batching
// within the call still applies either way.
func (r *Resolver) loaders(ctx context.Context) *Loaders {
	if l, ok := ctx.Value(loadersKey{}).(*Loaders); ok {
		return l
	}
	return r.newLoaders()
}
