package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/eventbus"
	"github.com/hanpama/libris/internal/loader"
	"github.com/hanpama/libris/internal/otel"
	"github.com/hanpama/libris/internal/resolver"
	"github.com/hanpama/libris/internal/schema"
	"github.com/hanpama/libris/internal/server"
	"github.com/hanpama/libris/internal/sqlstore"
)

const rootUsage = `libris — GraphQL book catalog server

USAGE:
  libris <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL server
  print-schema     Print the GraphQL SDL served by the API
  create-user      Add a user account to the database
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -server.addr <addr>          HTTP listen address (default: :4000)
  -server.pretty               Pretty-print JSON responses
  -server.timeout <duration>   Per-request timeout, e.g. 10s (default: 10s)
  -server.max-body <bytes>     Max request body size (default: 1048576)
  -server.cors-origin <origin> Allowed CORS origin. Repeatable; * allows any
  -server.graphiql <bool>      Serve the GraphiQL IDE on GET (default: true)
  -db.dsn <dsn>                SQLite database path (default: libris.db)
  -auth.secret <secret>        JWT signing secret (required)
  -auth.password <password>    Login password shared by all users (default: secret)
  -auth.token-ttl <duration>   Issued token lifetime (default: 24h)
  -loader.wait <duration>      Batching window for author lookups (default: 2ms)
  -loader.max-batch <n>        Max keys per batched lookup (default: 100)
  -bus.buffer <n>              Per-subscriber event buffer (default: 64)
  -otel.endpoint <addr>        OTLP collector endpoint
  -otel.service <name>         OpenTelemetry service name (default: libris)
`

const printSchemaUsage = `print-schema FLAGS:
  -out <file>   Write SDL to file (default: stdout)
`

const createUserUsage = `create-user FLAGS:
  -db.dsn <dsn>             SQLite database path (default: libris.db)
  -username <name>          Username (required)
  -favorite-genre <genre>   Favorite genre (required)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("libris", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "print-schema":
		return cmdPrintSchema(cmdArgs)
	case "create-user":
		return cmdCreateUser(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "print-schema":
		fmt.Print(printSchemaUsage)
	case "create-user":
		fmt.Print(createUserUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	addr := ":4000"
	pretty := false
	timeout := 10 * time.Second
	maxBody := int64(1 << 20)
	graphiql := true
	dsn := "libris.db"
	secret := ""
	password := "secret"
	tokenTTL := 24 * time.Hour
	loaderWait := 2 * time.Millisecond
	loaderMaxBatch := 100
	busBuffer := 64
	otelEndpoint := ""
	otelService := "libris"
	var corsOrigins stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", maxBody, "Max request body size")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.BoolVar(&graphiql, "server.graphiql", graphiql, "Serve the GraphiQL IDE")
	fs.StringVar(&dsn, "db.dsn", dsn, "SQLite database path")
	fs.StringVar(&secret, "auth.secret", secret, "JWT signing secret")
	fs.StringVar(&password, "auth.password", password, "Login password")
	fs.DurationVar(&tokenTTL, "auth.token-ttl", tokenTTL, "Issued token lifetime")
	fs.DurationVar(&loaderWait, "loader.wait", loaderWait, "Batching window for author lookups")
	fs.IntVar(&loaderMaxBatch, "loader.max-batch", loaderMaxBatch, "Max keys per batched lookup")
	fs.IntVar(&busBuffer, "bus.buffer", busBuffer, "Per-subscriber event buffer")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	if secret == "" {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("-auth.secret is required")
	}

	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	st, err := sqlstore.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	authSvc, err := auth.NewService(secret, password, tokenTTL)
	if err != nil {
		return fmt.Errorf("auth setup: %w", err)
	}

	bus := eventbus.New(eventbus.Config{SessionBuffer: busBuffer})
	defer func() { _ = bus.Close() }()

	res := resolver.New(st, bus, authSvc, loader.Config{
		Wait:     loaderWait,
		MaxBatch: loaderMaxBatch,
	})

	sopts := []server.Option{server.WithGraphiQL(graphiql)}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if maxBody > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(maxBody))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	h, err := server.New(res, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)

	log.Printf("GraphQL server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func cmdPrintSchema(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("print-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, printSchemaUsage)
		return err
	}
	if outFile == "" {
		fmt.Print(schema.SDL)
		return nil
	}
	return os.WriteFile(outFile, []byte(schema.SDL), 0644)
}

func cmdCreateUser(args []string) error {
	dsn := "libris.db"
	username := ""
	favoriteGenre := ""
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&dsn, "db.dsn", dsn, "SQLite database path")
	fs.StringVar(&username, "username", username, "Username")
	fs.StringVar(&favoriteGenre, "favorite-genre", favoriteGenre, "Favorite genre")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, createUserUsage)
		return err
	}
	if username == "" || favoriteGenre == "" {
		fmt.Fprint(os.Stderr, createUserUsage)
		return fmt.Errorf("-username and -favorite-genre are required")
	}

	st, err := sqlstore.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	user, err := st.SaveUser(context.Background(), domain.User{
		Username:      username,
		FavoriteGenre: favoriteGenre,
	})
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	fmt.Printf("created user %s (%s)\n", user.Username, user.ID)
	return nil
}
