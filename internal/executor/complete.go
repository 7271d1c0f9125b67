package executor

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/libris/internal/domain"
)

// Value completion for the schema's object types. The type set is closed, so
// completion is written out per type instead of driven by reflection; every
// result key honors the field alias.

func completeBooks(books []domain.Book, sel ast.SelectionSet, doc *ast.QueryDocument) []any {
	out := make([]any, len(books))
	for i := range books {
		out[i] = completeBook(books[i], sel, doc)
	}
	return out
}

func completeBook(b domain.Book, sel ast.SelectionSet, doc *ast.QueryDocument) map[string]any {
	out := make(map[string]any)
	for _, field := range collectFields(sel, doc, "Book") {
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		switch field.Name {
		case "__typename":
			out[key] = "Book"
		case "id":
			out[key] = b.ID
		case "title":
			out[key] = b.Title
		case "published":
			out[key] = b.Published
		case "genres":
			genres := b.Genres
			if genres == nil {
				genres = []string{}
			}
			out[key] = genres
		case "author":
			if b.Author == nil {
				out[key] = nil
				continue
			}
			out[key] = completeAuthor(*b.Author, field.SelectionSet, doc)
		}
	}
	return out
}

func completeAuthor(a domain.Author, sel ast.SelectionSet, doc *ast.QueryDocument) map[string]any {
	out := make(map[string]any)
	for _, field := range collectFields(sel, doc, "Author") {
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		switch field.Name {
		case "__typename":
			out[key] = "Author"
		case "id":
			out[key] = a.ID
		case "name":
			out[key] = a.Name
		case "bookCount":
			out[key] = a.BookCount
		case "born":
			if a.Born == nil {
				out[key] = nil
				continue
			}
			out[key] = *a.Born
		}
	}
	return out
}

func completeUser(u domain.User, sel ast.SelectionSet, doc *ast.QueryDocument) map[string]any {
	out := make(map[string]any)
	for _, field := range collectFields(sel, doc, "User") {
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		switch field.Name {
		case "__typename":
			out[key] = "User"
		case "id":
			out[key] = u.ID
		case "username":
			out[key] = u.Username
		case "favoriteGenre":
			out[key] = u.FavoriteGenre
		}
	}
	return out
}

func completeToken(t domain.Token, sel ast.SelectionSet, doc *ast.QueryDocument) map[string]any {
	out := make(map[string]any)
	for _, field := range collectFields(sel, doc, "Token") {
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		switch field.Name {
		case "__typename":
			out[key] = "Token"
		case "value":
			out[key] = t.Value
		}
	}
	return out
}
