package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/resolver"
	"github.com/hanpama/libris/internal/store"
)

func (e *Executor) dispatchQuery(ctx context.Context, field *ast.Field, vars map[string]any, doc *ast.QueryDocument) (any, error) {
	args := field.ArgumentMap(vars)

	switch field.Name {
	case "__typename":
		return e.schema.Query.Name, nil

	case "bookCount":
		return e.ops.BookCount(ctx)

	case "authorCount":
		return e.ops.AuthorCount(ctx)

	case "allBooks":
		filter := store.BookFilter{
			AuthorName: optionalString(args, "author"),
			Genre:      optionalString(args, "genre"),
		}
		books, err := e.ops.AllBooks(ctx, filter)
		if err != nil {
			return nil, err
		}
		return completeBooks(books, field.SelectionSet, doc), nil

	case "allAuthors":
		authors, err := e.ops.AllAuthors(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(authors))
		for i := range authors {
			out[i] = completeAuthor(authors[i], field.SelectionSet, doc)
		}
		return out, nil

	case "me":
		user, err := e.ops.Me(ctx)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, nil
		}
		return completeUser(*user, field.SelectionSet, doc), nil

	case "booksByGenre":
		books, err := e.ops.BooksByGenre(ctx, stringArg(args, "genre"))
		if err != nil {
			return nil, err
		}
		return completeBooks(books, field.SelectionSet, doc), nil

	case "booksByAuthor":
		books, err := e.ops.BooksByAuthor(ctx, stringArg(args, "id"))
		if err != nil {
			return nil, err
		}
		return completeBooks(books, field.SelectionSet, doc), nil
	}

	return nil, apierr.New(apierr.Validation, fmt.Sprintf("unknown query field %q", field.Name))
}

func (e *Executor) dispatchMutation(ctx context.Context, field *ast.Field, vars map[string]any, doc *ast.QueryDocument) (any, error) {
	args := field.ArgumentMap(vars)

	switch field.Name {
	case "__typename":
		return e.schema.Mutation.Name, nil

	case "addBook":
		input := resolver.AddBookInput{
			Title:     stringArg(args, "title"),
			Author:    stringArg(args, "author"),
			Published: intArg(args, "published"),
			Genres:    stringsArg(args, "genres"),
		}
		book, err := e.ops.AddBook(ctx, input)
		if err != nil {
			return nil, err
		}
		return completeBook(book, field.SelectionSet, doc), nil

	case "editAuthor":
		author, err := e.ops.EditAuthor(ctx, stringArg(args, "name"), intArg(args, "born"))
		if err != nil {
			return nil, err
		}
		return completeAuthor(author, field.SelectionSet, doc), nil

	case "createUser":
		user, err := e.ops.CreateUser(ctx, stringArg(args, "username"), stringArg(args, "favoriteGenre"))
		if err != nil {
			return nil, err
		}
		return completeUser(user, field.SelectionSet, doc), nil

	case "login":
		token, err := e.ops.Login(ctx, stringArg(args, "username"), stringArg(args, "password"))
		if err != nil {
			return nil, err
		}
		return completeToken(token, field.SelectionSet, doc), nil
	}

	return nil, apierr.New(apierr.Validation, fmt.Sprintf("unknown mutation field %q", field.Name))
}

// Argument helpers. Validation has already type-checked the document against
// the schema, so these only normalize the representations gqlparser hands
// back for literals (int64) and JSON-decoded variables (float64, json.Number).

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func optionalString(args map[string]any, name string) string {
	if v, ok := args[name]; ok && v != nil {
		s, _ := v.(string)
		return s
	}
	return ""
}

func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func stringsArg(args map[string]any, name string) []string {
	list, ok := args[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
