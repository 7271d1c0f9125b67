package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hanpama/libris/internal/domain"
)

// Mock is an in-memory Store for tests. It records every FindAuthorsByIDs
// invocation so loader tests can assert how many batched fetches ran and
// which keys each one carried.
type Mock struct {
	mu      sync.Mutex
	books   map[string]domain.Book
	authors map[string]domain.Author
	users   map[string]domain.User
	seq     int

	// BatchCalls is the log of FindAuthorsByIDs invocations, one sorted
	// key slice per call.
	BatchCalls [][]string

	// FailBatch makes FindAuthorsByIDs return an error, simulating an
	// unreachable collaborator.
	FailBatch bool

	// FailSaveBook makes SaveBook return an error after no-op.
	FailSaveBook bool
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{
		books:   make(map[string]domain.Book),
		authors: make(map[string]domain.Author),
		users:   make(map[string]domain.User),
	}
}

func (m *Mock) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// SeedAuthor inserts an author and returns it.
func (m *Mock) SeedAuthor(name string, born *int) domain.Author {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := domain.Author{ID: m.nextID("author"), Name: name, Born: born}
	m.authors[a.ID] = a
	return a
}

// SeedBook inserts a book for an existing author id and returns it.
func (m *Mock) SeedBook(title string, published int, genres []string, authorID string) domain.Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := domain.Book{ID: m.nextID("book"), Title: title, Published: published, Genres: genres, AuthorID: authorID}
	m.books[b.ID] = b
	return b
}

// SeedUser inserts a user and returns it.
func (m *Mock) SeedUser(username, favoriteGenre string) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := domain.User{ID: m.nextID("user"), Username: username, FavoriteGenre: favoriteGenre}
	m.users[u.ID] = u
	return u
}

func (m *Mock) CountBooks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.books), nil
}

func (m *Mock) CountAuthors(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.authors), nil
}

func (m *Mock) ListBooks(ctx context.Context) ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mock) ListBooksByAuthorID(ctx context.Context, authorID string) ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Book
	for _, b := range m.books {
		if b.AuthorID == authorID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mock) SaveBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveBook {
		return domain.Book{}, fmt.Errorf("mock: save book refused")
	}
	for _, b := range m.books {
		if strings.EqualFold(b.Title, book.Title) && b.AuthorID == book.AuthorID {
			return domain.Book{}, ErrDuplicate
		}
	}
	if book.ID == "" {
		book.ID = m.nextID("book")
	}
	m.books[book.ID] = book
	return book, nil
}

func (m *Mock) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Author, 0, len(m.authors))
	for _, a := range m.authors {
		a.BookCount = m.countByAuthorLocked(a.ID)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mock) countByAuthorLocked(authorID string) int {
	n := 0
	for _, b := range m.books {
		if b.AuthorID == authorID {
			n++
		}
	}
	return n
}

func (m *Mock) FindAuthorsByIDs(ctx context.Context, ids []string) (map[string]domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logged := append([]string(nil), ids...)
	sort.Strings(logged)
	m.BatchCalls = append(m.BatchCalls, logged)
	if m.FailBatch {
		return nil, fmt.Errorf("mock: author store unreachable")
	}
	out := make(map[string]domain.Author, len(ids))
	for _, id := range ids {
		if a, ok := m.authors[id]; ok {
			a.BookCount = m.countByAuthorLocked(id)
			out[id] = a
		}
	}
	return out, nil
}

func (m *Mock) FindAuthorByName(ctx context.Context, name string) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.authors {
		if a.Name == name {
			a.BookCount = m.countByAuthorLocked(a.ID)
			return a, nil
		}
	}
	return domain.Author{}, ErrNotFound
}

func (m *Mock) UpsertAuthorByName(ctx context.Context, name string) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.authors {
		if a.Name == name {
			return a, nil
		}
	}
	a := domain.Author{ID: m.nextID("author"), Name: name}
	m.authors[a.ID] = a
	return a, nil
}

func (m *Mock) UpdateAuthorBorn(ctx context.Context, name string, born int) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.authors {
		if a.Name == name {
			a.Born = &born
			m.authors[id] = a
			a.BookCount = m.countByAuthorLocked(id)
			return a, nil
		}
	}
	return domain.Author{}, ErrNotFound
}

func (m *Mock) FindUserByID(ctx context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return domain.User{}, ErrNotFound
}

func (m *Mock) FindUserByUsername(ctx context.Context, username string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (m *Mock) SaveUser(ctx context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return domain.User{}, ErrDuplicate
		}
	}
	if user.ID == "" {
		user.ID = m.nextID("user")
	}
	m.users[user.ID] = user
	return user, nil
}

var _ Store = (*Mock)(nil)
