package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/eventbus"
	"github.com/hanpama/libris/internal/loader"
	"github.com/hanpama/libris/internal/store"
)

type fixture struct {
	store *store.Mock
	bus   *eventbus.Bus
	res   *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	authSvc, err := auth.NewService("test-secret", "secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mock := store.NewMock()
	bus := eventbus.New(eventbus.Config{})
	t.Cleanup(func() { _ = bus.Close() })
	res := New(mock, bus, authSvc, loader.Config{Wait: time.Millisecond})
	return &fixture{store: mock, bus: bus, res: res}
}

// requestCtx simulates the transport layer: fresh loaders, optional identity.
func (f *fixture) requestCtx(user *domain.User) context.Context {
	ctx := f.res.WithLoaders(context.Background())
	if user != nil {
		ctx = auth.WithIdentity(ctx, auth.Identity{UserID: user.ID, Username: user.Username})
	}
	return ctx
}

func titles(books []domain.Book) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.Title
	}
	return out
}

func TestAllBooks_BatchesAuthorLookups(t *testing.T) {
	f := newFixture(t)
	a := f.store.SeedAuthor("Fyodor Dostoevsky", nil)
	f.store.SeedBook("Crime and Punishment", 1866, []string{"classic"}, a.ID)
	f.store.SeedBook("The Idiot", 1869, []string{"classic"}, a.ID)
	f.store.SeedBook("Demons", 1872, []string{"classic"}, a.ID)

	books, err := f.res.AllBooks(f.requestCtx(nil), store.BookFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 3 {
		t.Fatalf("got %d books", len(books))
	}
	for _, b := range books {
		if b.Author == nil || b.Author.Name != "Fyodor Dostoevsky" {
			t.Fatalf("author not populated on %q: %+v", b.Title, b.Author)
		}
		if b.Author.BookCount != 3 {
			t.Fatalf("bookCount = %d, want 3", b.Author.BookCount)
		}
	}

	// Three books by one author: exactly one batched fetch, one unique key.
	wantCalls := [][]string{{a.ID}}
	if diff := cmp.Diff(wantCalls, f.store.BatchCalls); diff != "" {
		t.Fatalf("batch calls mismatch (-want +got):\n%s", diff)
	}
}

func TestAllBooks_LoaderCacheSpansRequest(t *testing.T) {
	f := newFixture(t)
	a1 := f.store.SeedAuthor("Ursula K. Le Guin", nil)
	a2 := f.store.SeedAuthor("Stanisław Lem", nil)
	f.store.SeedBook("The Dispossessed", 1974, []string{"sf"}, a1.ID)
	f.store.SeedBook("Solaris", 1961, []string{"sf"}, a2.ID)

	ctx := f.requestCtx(nil)
	if _, err := f.res.AllBooks(ctx, store.BookFilter{}); err != nil {
		t.Fatal(err)
	}
	// Second resolution in the same request: served from the loader cache.
	if _, err := f.res.AllBooks(ctx, store.BookFilter{}); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.BatchCalls); n != 1 {
		t.Fatalf("expected 1 batched fetch for the whole request, got %d: %v", n, f.store.BatchCalls)
	}

	// A new request gets a fresh cache.
	if _, err := f.res.AllBooks(f.requestCtx(nil), store.BookFilter{}); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.BatchCalls); n != 2 {
		t.Fatalf("expected a new fetch per request, got %d calls", n)
	}
}

func TestAllBooks_FiltersByAuthorNameAndGenre(t *testing.T) {
	f := newFixture(t)
	le := f.store.SeedAuthor("Ursula K. Le Guin", nil)
	lem := f.store.SeedAuthor("Stanisław Lem", nil)
	f.store.SeedBook("The Dispossessed", 1974, []string{"sf", "utopia"}, le.ID)
	f.store.SeedBook("The Left Hand of Darkness", 1969, []string{"sf"}, le.ID)
	f.store.SeedBook("Solaris", 1961, []string{"sf"}, lem.ID)

	ctx := f.requestCtx(nil)

	byAuthor, err := f.res.AllBooks(ctx, store.BookFilter{AuthorName: "Stanisław Lem"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Solaris"}, titles(byAuthor)); diff != "" {
		t.Fatalf("author filter mismatch (-want +got):\n%s", diff)
	}

	byBoth, err := f.res.AllBooks(ctx, store.BookFilter{AuthorName: "Ursula K. Le Guin", Genre: "utopia"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"The Dispossessed"}, titles(byBoth)); diff != "" {
		t.Fatalf("combined filter mismatch (-want +got):\n%s", diff)
	}

	byGenre, err := f.res.BooksByGenre(ctx, "sf")
	if err != nil {
		t.Fatal(err)
	}
	if len(byGenre) != 3 {
		t.Fatalf("genre filter: got %d books", len(byGenre))
	}
}

func TestAllBooks_TransportFailure(t *testing.T) {
	f := newFixture(t)
	a := f.store.SeedAuthor("Franz Kafka", nil)
	f.store.SeedBook("The Trial", 1925, []string{"classic"}, a.ID)
	f.store.FailBatch = true

	_, err := f.res.AllBooks(f.requestCtx(nil), store.BookFilter{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := apierr.KindOf(err); kind != apierr.Transport {
		t.Fatalf("kind = %v, want Transport", kind)
	}
}

func TestAddBook_RequiresIdentityBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t)
	sess, err := f.res.BookAdded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Unsubscribe()

	_, err = f.res.AddBook(f.requestCtx(nil), AddBookInput{
		Title: "Test Book", Author: "New Author", Published: 2020, Genres: []string{"test"},
	})
	if kind := apierr.KindOf(err); kind != apierr.AuthRequired {
		t.Fatalf("kind = %v, want AuthRequired", kind)
	}

	// No write happened, not even the author upsert.
	if n, _ := f.store.CountBooks(context.Background()); n != 0 {
		t.Fatalf("book was written: %d", n)
	}
	if n, _ := f.store.CountAuthors(context.Background()); n != 0 {
		t.Fatalf("author was written: %d", n)
	}
	// And nothing was published.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected silent feed, got %v", err)
	}
}

func TestAddBook_UpsertsAuthorAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	user := f.store.SeedUser("mika", "test")
	sess, err := f.res.BookAdded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Unsubscribe()

	book, err := f.res.AddBook(f.requestCtx(&user), AddBookInput{
		Title: "Test Book", Author: "New Author", Published: 2020, Genres: []string{"test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if book.Author == nil || book.Author.Name != "New Author" {
		t.Fatalf("author = %+v", book.Author)
	}
	if book.Author.BookCount != 1 {
		t.Fatalf("bookCount = %d, want 1", book.Author.BookCount)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := sess.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	published, ok := evt.Payload.(domain.Book)
	if !ok {
		t.Fatalf("payload type %T", evt.Payload)
	}
	if published.Title != "Test Book" || published.Author == nil || published.Author.Name != "New Author" {
		t.Fatalf("published = %+v", published)
	}

	// Exactly once: no second event pending.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := sess.Next(short); err != context.DeadlineExceeded {
		t.Fatalf("expected single event, got %v", err)
	}

	// Adding a second book reuses the author (upsert, not duplicate).
	if _, err := f.res.AddBook(f.requestCtx(&user), AddBookInput{
		Title: "Second Book", Author: "New Author", Published: 2021, Genres: []string{"test"},
	}); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.CountAuthors(context.Background()); n != 1 {
		t.Fatalf("authors = %d, want 1", n)
	}
}

func TestAddBook_SaveFailurePublishesNothing(t *testing.T) {
	f := newFixture(t)
	user := f.store.SeedUser("mika", "test")
	f.store.FailSaveBook = true

	sess, err := f.res.BookAdded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Unsubscribe()

	_, err = f.res.AddBook(f.requestCtx(&user), AddBookInput{
		Title: "Doomed", Author: "New Author", Published: 2020, Genres: []string{"test"},
	})
	if kind := apierr.KindOf(err); kind != apierr.Persistence {
		t.Fatalf("kind = %v, want Persistence", kind)
	}
	ae, _ := apierr.As(err)
	if ae.InvalidArg != "New Author" {
		t.Fatalf("InvalidArg = %q, want the author name", ae.InvalidArg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected silent feed, got %v", err)
	}
}

func TestEditAuthor(t *testing.T) {
	f := newFixture(t)
	user := f.store.SeedUser("mika", "test")
	f.store.SeedAuthor("Franz Kafka", nil)

	if _, err := f.res.EditAuthor(f.requestCtx(nil), "Franz Kafka", 1883); apierr.KindOf(err) != apierr.AuthRequired {
		t.Fatalf("anonymous edit: %v", err)
	}

	author, err := f.res.EditAuthor(f.requestCtx(&user), "Franz Kafka", 1883)
	if err != nil {
		t.Fatal(err)
	}
	if author.Born == nil || *author.Born != 1883 {
		t.Fatalf("born = %v", author.Born)
	}

	_, err = f.res.EditAuthor(f.requestCtx(&user), "Unknown", 1900)
	if apierr.KindOf(err) != apierr.Validation {
		t.Fatalf("unknown author: %v", err)
	}
	ae, _ := apierr.As(err)
	if ae.InvalidArg != "Unknown" {
		t.Fatalf("InvalidArg = %q", ae.InvalidArg)
	}
}

func TestCreateUserAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := f.requestCtx(nil)

	user, err := f.res.CreateUser(ctx, "mika", "sf")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID == "" {
		t.Fatal("no id assigned")
	}

	if _, err := f.res.CreateUser(ctx, "mika", "sf"); apierr.KindOf(err) != apierr.Validation {
		t.Fatalf("duplicate username: %v", err)
	}

	if _, err := f.res.Login(ctx, "mika", "wrong"); apierr.KindOf(err) != apierr.AuthInvalid {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := f.res.Login(ctx, "nobody", "secret"); apierr.KindOf(err) != apierr.AuthInvalid {
		t.Fatalf("unknown user: %v", err)
	}

	token, err := f.res.Login(ctx, "mika", "secret")
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.res.Auth().VerifyToken(token.Value)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != user.ID {
		t.Fatalf("token subject = %q, want %q", id.UserID, user.ID)
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	user := f.store.SeedUser("mika", "sf")

	me, err := f.res.Me(f.requestCtx(nil))
	if err != nil || me != nil {
		t.Fatalf("anonymous me = %v, %v", me, err)
	}

	me, err = f.res.Me(f.requestCtx(&user))
	if err != nil {
		t.Fatal(err)
	}
	if me == nil || me.Username != "mika" {
		t.Fatalf("me = %+v", me)
	}
}

func TestBooksByAuthor(t *testing.T) {
	f := newFixture(t)
	a := f.store.SeedAuthor("Fyodor Dostoevsky", nil)
	other := f.store.SeedAuthor("Franz Kafka", nil)
	f.store.SeedBook("The Idiot", 1869, []string{"classic"}, a.ID)
	f.store.SeedBook("The Trial", 1925, []string{"classic"}, other.ID)

	books, err := f.res.BooksByAuthor(f.requestCtx(nil), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"The Idiot"}, titles(books)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
