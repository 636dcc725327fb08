// Package fixgres boots one disposable Postgres container per test
// binary and hands each test an isolated schema-scoped sandbox into it,
// so integration tests against the persistent catalog store run against
// a real server without sharing state.
package fixgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image      string
	dbName     string
	user       string
	password   string
	randomSeed int64
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithRandomSeed fixes the seed every Sandbox reports, so data generated
// from Sandbox.Seed replays across runs.
func WithRandomSeed(s int64) Option { return func(c *config) { c.randomSeed = s } }

var (
	once       sync.Once
	pg         *postgres.PostgresContainer
	mu         sync.Mutex
	connString string
	bootSeed   int64
)

// Boot starts the package-wide container if it is not already running.
// Call it from TestMain; tests then open sandboxes with NewSandbox.
func Boot(ctx context.Context, opts ...Option) error {
	c := &config{}
	for _, o := range opts {
		o(c)
	}
	if c.randomSeed == 0 {
		c.randomSeed = randomSeed()
	}
	return boot(ctx, c)
}

func boot(ctx context.Context, c *config) error {
	once.Do(func() {
		booted = true
		bootSeed = c.randomSeed
		if c.image == "" {
			c.image = "docker.io/postgres:16-alpine"
		}
		if c.dbName == "" {
			c.dbName = "catalogcore"
		}
		if c.user == "" {
			c.user = "postgres"
		}
		if c.password == "" {
			c.password = "pass"
		}

		container, err := postgres.Run(ctx,
			c.image,
			postgres.WithDatabase(c.dbName),
			postgres.WithUsername(c.user),
			postgres.WithPassword(c.password),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			bootErr = err
			return
		}
		pg = container

		host, _ := container.Host(ctx)
		port, _ := container.MappedPort(ctx, "5432/tcp")
		connString = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			c.user, c.password, host, port.Port(), c.dbName,
		)
	})
	return bootErr
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.Terminate(ctx)
}
