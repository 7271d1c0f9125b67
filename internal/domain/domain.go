// Package domain holds the entities served by the libris API.
package domain

// Book is a catalog entry. AuthorID always refers to an existing author;
// Author is populated only on paths that resolved it (loader or join).
type Book struct {
	ID        string
	Title     string
	Published int
	Genres    []string
	AuthorID  string
	Author    *Author
}

// Author is a book author. BookCount is derived, not stored.
type Author struct {
	ID        string
	Name      string
	Born      *int
	BookCount int
}

// User is an account that may authenticate and mutate the catalog.
type User struct {
	ID            string
	Username      string
	FavoriteGenre string
}

// Token is an issued bearer credential.
type Token struct {
	Value string
}
