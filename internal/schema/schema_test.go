package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	require.NotNil(t, s.Query)
	require.NotNil(t, s.Mutation)
	require.NotNil(t, s.Subscription)

	for _, field := range []string{"bookCount", "authorCount", "allBooks", "allAuthors", "me", "booksByGenre", "booksByAuthor"} {
		assert.NotNil(t, s.Query.Fields.ForName(field), "Query.%s", field)
	}
	for _, field := range []string{"addBook", "editAuthor", "createUser", "login"} {
		assert.NotNil(t, s.Mutation.Fields.ForName(field), "Mutation.%s", field)
	}
	assert.NotNil(t, s.Subscription.Fields.ForName("bookAdded"))
}
