// Package schema holds the GraphQL SDL served by libris and loads it into a
// validated gqlparser schema.
package schema

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// SDL is the complete API surface. The executor dispatches these fields onto
// resolver.Operations; changing one side requires changing the other.
const SDL = `
type Book {
    title: String!
    author: Author!
    published: Int!
    genres: [String]!
    id: ID!
}

type Author {
    name: String!
    bookCount: Int!
    born: Int
    id: ID!
}

type User {
    username: String!
    favoriteGenre: String!
    id: ID!
}

type Token {
    value: String!
}

type Query {
    bookCount: Int
    authorCount: Int
    allBooks(author: String, genre: String): [Book!]
    allAuthors: [Author!]
    me: User
    booksByGenre(genre: String!): [Book!]
    booksByAuthor(id: ID!): [Book!]
}

type Mutation {
    addBook(
        title: String!
        author: String!
        published: Int!
        genres: [String]!
    ): Book
    editAuthor(
        name: String!
        born: Int!
    ): Author
    createUser(
        username: String!
        favoriteGenre: String!
    ): User
    login(
        username: String!
        password: String!
    ): Token
}

type Subscription {
    bookAdded: Book!
}
`

// Load parses and validates the SDL.
func Load() (*ast.Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: "libris.graphql", Input: SDL})
}

// MustLoad is Load for initialization paths where the constant SDL failing
// to parse is a programming error.
func MustLoad() *ast.Schema {
	s, err := Load()
	if err != nil {
		panic(err)
	}
	return s
}
