// Package sqlstore is the SQLite-backed store.Store implementation.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/store"
)

//go:embed schema.sql
var schema string

// Store persists the catalog in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// WAL for concurrent readers alongside the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// isConstraint reports whether err is a SQLite uniqueness violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *Store) CountBooks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count books: %w", err)
	}
	return n, nil
}

func (s *Store) CountAuthors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authors`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count authors: %w", err)
	}
	return n, nil
}

const bookColumns = `id, title, published, genres, author_id`

func scanBook(scan func(dest ...any) error) (domain.Book, error) {
	var b domain.Book
	var genres string
	if err := scan(&b.ID, &b.Title, &b.Published, &genres, &b.AuthorID); err != nil {
		return domain.Book{}, err
	}
	if err := json.Unmarshal([]byte(genres), &b.Genres); err != nil {
		return domain.Book{}, fmt.Errorf("decode genres: %w", err)
	}
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context) ([]domain.Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list books: %w", err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

func (s *Store) ListBooksByAuthorID(ctx context.Context, authorID string) ([]domain.Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE author_id = ? ORDER BY id`, authorID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list books by author: %w", err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

func collectBooks(rows *sql.Rows) ([]domain.Book, error) {
	var books []domain.Book
	for rows.Next() {
		b, err := scanBook(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (s *Store) SaveBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if book.Genres == nil {
		book.Genres = []string{}
	}
	genres, err := json.Marshal(book.Genres)
	if err != nil {
		return domain.Book{}, fmt.Errorf("sqlstore: encode genres: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO books (id, title, published, genres, author_id) VALUES (?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Published, string(genres), book.AuthorID)
	if err != nil {
		if isConstraint(err) {
			return domain.Book{}, store.ErrDuplicate
		}
		return domain.Book{}, fmt.Errorf("sqlstore: save book: %w", err)
	}
	book.Author = nil
	return book, nil
}

func (s *Store) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.born, COUNT(b.id)
		FROM authors a LEFT JOIN books b ON b.author_id = a.id
		GROUP BY a.id ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list authors: %w", err)
	}
	defer rows.Close()

	var authors []domain.Author
	for rows.Next() {
		a, err := scanAuthor(rows.Scan)
		if err != nil {
			return nil, err
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

func scanAuthor(scan func(dest ...any) error) (domain.Author, error) {
	var a domain.Author
	var born sql.NullInt64
	if err := scan(&a.ID, &a.Name, &born, &a.BookCount); err != nil {
		return domain.Author{}, fmt.Errorf("sqlstore: scan author: %w", err)
	}
	if born.Valid {
		year := int(born.Int64)
		a.Born = &year
	}
	return a, nil
}

// FindAuthorsByIDs is the loader's batched fetch: one query for all ids,
// results keyed by id, book counts included. Ids with no author row are
// simply absent from the result.
func (s *Store) FindAuthorsByIDs(ctx context.Context, ids []string) (map[string]domain.Author, error) {
	if len(ids) == 0 {
		return map[string]domain.Author{}, nil
	}
	ctx, span := otel.Tracer("libris").Start(ctx, "store.find_authors")
	span.SetAttributes(attribute.Int("store.batch_size", len(ids)))
	defer span.End()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.born, COUNT(b.id)
		FROM authors a LEFT JOIN books b ON b.author_id = a.id
		WHERE a.id IN (`+placeholders+`)
		GROUP BY a.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find authors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Author, len(ids))
	for rows.Next() {
		a, err := scanAuthor(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (s *Store) FindAuthorByName(ctx context.Context, name string) (domain.Author, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.name, a.born, COUNT(b.id)
		FROM authors a LEFT JOIN books b ON b.author_id = a.id
		WHERE a.name = ? GROUP BY a.id`, name)
	a, err := scanAuthor(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Author{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Author{}, err
	}
	return a, nil
}

func (s *Store) UpsertAuthorByName(ctx context.Context, name string) (domain.Author, error) {
	var a domain.Author
	var born sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO authors (id, name) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET name = excluded.name
		RETURNING id, name, born`, uuid.NewString(), name).Scan(&a.ID, &a.Name, &born)
	if err != nil {
		return domain.Author{}, fmt.Errorf("sqlstore: upsert author: %w", err)
	}
	if born.Valid {
		year := int(born.Int64)
		a.Born = &year
	}
	return a, nil
}

func (s *Store) UpdateAuthorBorn(ctx context.Context, name string, born int) (domain.Author, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE authors SET born = ? WHERE name = ?`, born, name)
	if err != nil {
		return domain.Author{}, fmt.Errorf("sqlstore: update author: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Author{}, store.ErrNotFound
	}
	return s.FindAuthorByName(ctx, name)
}

func (s *Store) FindUserByID(ctx context.Context, id string) (domain.User, error) {
	return s.findUser(ctx, `id = ?`, id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return s.findUser(ctx, `username = ?`, username)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, favorite_genre FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.FavoriteGenre)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, store.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("sqlstore: find user: %w", err)
	}
	return u, nil
}

func (s *Store) SaveUser(ctx context.Context, user domain.User) (domain.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, favorite_genre) VALUES (?, ?, ?)`,
		user.ID, user.Username, user.FavoriteGenre)
	if err != nil {
		if isConstraint(err) {
			return domain.User{}, store.ErrDuplicate
		}
		return domain.User{}, fmt.Errorf("sqlstore: save user: %w", err)
	}
	return user, nil
}

var _ store.Store = (*Store)(nil)
