package main

import (
	"context"
	"fmt"

	faker "github.com/go-faker/faker/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwood-labs/qwatch/pkg/prng"
)

// item is the demo schema's only base table. faker tags drive the seed data;
// the engine bolts its own identity/revision columns onto "items" the first
// time a query against it is watched.
type item struct {
	Name        string  `faker:"word"`
	Description string  `faker:"sentence"`
	Price       float64 `faker:"amount"`
	InStock     bool
}

const seedCount = 25

// seedDemoData populates the items table (created by the goose migrations
// in cmd/qwatch-demo/migrations) with deterministic faker-generated rows,
// only on a fresh table, so repeated runs against the same database don't
// keep piling up rows.
func seedDemoData(ctx context.Context, pool *pgxpool.Pool) error {
	faker.SetCryptoSource(prng.New(42))

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM items`).Scan(&count); err != nil {
		return fmt.Errorf("counting items: %w", err)
	}
	if count > 0 {
		return nil
	}

	for i := 0; i < seedCount; i++ {
		var row item
		if err := faker.FakeData(&row); err != nil {
			return fmt.Errorf("generating fake row: %w", err)
		}
		_, err := pool.Exec(ctx,
			`INSERT INTO items (name, description, price, in_stock) VALUES ($1, $2, $3, $4)`,
			row.Name, row.Description, row.Price, row.InStock)
		if err != nil {
			return fmt.Errorf("inserting fake row: %w", err)
		}
	}
	return nil
}
