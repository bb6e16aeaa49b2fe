// Package main seeds a Crucible database: it applies the schema
// migration, loads model prices from a CSV file and derives the
// fallback rows (one provider_default per provider, one
// global_default) so the pricing chain is never empty.
package main

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type seedPrice struct {
	provider  string
	model     string
	input     decimal.Decimal
	output    decimal.Decimal
	cached    decimal.Decimal
	currency  string
	effective time.Time
}

func main() {
	// .env is optional; exported vars win.
	_ = godotenv.Load()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not set")
	}

	csvPath := os.Getenv("PRICING_CSV")
	if csvPath == "" {
		csvPath = "seed/pricing.csv"
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed: ", err)
	}
	fmt.Println("Connected to DB")

	fmt.Println("Running migrations...")
	if err := runMigrations(db); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Loading pricing CSV...")
	prices, err := loadCSV(csvPath)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Loaded %d prices from %s\n", len(prices), csvPath)

	if err := insertPrices(db, prices); err != nil {
		log.Fatal(err)
	}
	if err := deriveFallbacks(db, prices); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Seeding complete")
}

func runMigrations(db *sql.DB) error {
	paths := []string{"migrations/001_initial_schema.up.sql", "../../migrations/001_initial_schema.up.sql"}

	var data []byte
	var err error
	for _, path := range paths {
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("could not find migration file: %w", err)
	}

	// lib/pq supports multiple statements in a single Exec. The schema
	// uses IF NOT EXISTS throughout, so re-running is safe.
	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Migrations applied")
	return nil
}

// loadCSV reads a pricing CSV with header:
//
//	provider,model,input_token_price,output_token_price,cached_token_price,currency,effective_date
func loadCSV(path string) ([]seedPrice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("empty CSV: %w", err)
	}
	if len(header) < 7 {
		return nil, fmt.Errorf("unexpected CSV header: %v", header)
	}

	var prices []seedPrice
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		line++

		input, err := decimal.NewFromString(row[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: input price: %w", line, err)
		}
		output, err := decimal.NewFromString(row[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: output price: %w", line, err)
		}
		cached, err := decimal.NewFromString(row[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: cached price: %w", line, err)
		}
		effective, err := time.Parse("2006-01-02", row[6])
		if err != nil {
			return nil, fmt.Errorf("line %d: effective date: %w", line, err)
		}

		prices = append(prices, seedPrice{
			provider:  row[0],
			model:     row[1],
			input:     input,
			output:    output,
			cached:    cached,
			currency:  row[5],
			effective: effective,
		})
	}
	return prices, nil
}

func insertPrices(db *sql.DB, prices []seedPrice) error {
	for _, p := range prices {
		_, err := db.Exec(`
			INSERT INTO model_pricing (
				provider_name, model_name, effective_date,
				input_token_price, output_token_price, cached_token_price,
				currency, price_source
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 'manual')
			ON CONFLICT (provider_name, model_name, effective_date) DO UPDATE
			SET input_token_price = EXCLUDED.input_token_price,
			    output_token_price = EXCLUDED.output_token_price,
			    cached_token_price = EXCLUDED.cached_token_price,
			    updated_at = NOW()
		`, p.provider, p.model, p.effective, p.input, p.output, p.cached, p.currency)
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", p.provider, p.model, err)
		}
	}
	fmt.Printf("Inserted %d model prices\n", len(prices))
	return nil
}

// deriveFallbacks writes one provider_default per provider and one
// global_default, each priced at the most expensive seeded price in its
// scope. Defaults err on the expensive side so an unpriced model is
// never undercharged.
func deriveFallbacks(db *sql.DB, prices []seedPrice) error {
	type maxPrice struct {
		input, output, cached decimal.Decimal
		currency              string
		effective             time.Time
	}

	perProvider := make(map[string]*maxPrice)
	var global *maxPrice

	fold := func(agg *maxPrice, p seedPrice) *maxPrice {
		if agg == nil {
			return &maxPrice{input: p.input, output: p.output, cached: p.cached, currency: p.currency, effective: p.effective}
		}
		if p.input.GreaterThan(agg.input) {
			agg.input = p.input
		}
		if p.output.GreaterThan(agg.output) {
			agg.output = p.output
		}
		if p.cached.GreaterThan(agg.cached) {
			agg.cached = p.cached
		}
		if p.effective.Before(agg.effective) {
			agg.effective = p.effective
		}
		return agg
	}

	for _, p := range prices {
		perProvider[p.provider] = fold(perProvider[p.provider], p)
		global = fold(global, p)
	}

	for provider, agg := range perProvider {
		_, err := db.Exec(`
			INSERT INTO fallback_pricing (
				provider_name, fallback_type, effective_date,
				input_token_price, output_token_price, cached_token_price,
				currency, description
			)
			SELECT $1, 'provider_default', $2, $3, $4, $5, $6, 'seeded provider default'
			WHERE NOT EXISTS (
				SELECT 1 FROM fallback_pricing
				WHERE fallback_type = 'provider_default'
				  AND provider_name = $1 AND deleted_at IS NULL
			)
		`, provider, agg.effective, agg.input, agg.output, agg.cached, agg.currency)
		if err != nil {
			return fmt.Errorf("provider default for %s: %w", provider, err)
		}
	}

	if global != nil {
		_, err := db.Exec(`
			INSERT INTO fallback_pricing (
				fallback_type, effective_date,
				input_token_price, output_token_price, cached_token_price,
				currency, description
			)
			SELECT 'global_default', $1, $2, $3, $4, $5, 'seeded global default'
			WHERE NOT EXISTS (
				SELECT 1 FROM fallback_pricing
				WHERE fallback_type = 'global_default' AND deleted_at IS NULL
			)
		`, global.effective, global.input, global.output, global.cached, global.currency)
		if err != nil {
			return fmt.Errorf("global default: %w", err)
		}
	}

	fmt.Printf("Derived %d provider defaults and a global default\n", len(perProvider))
	return nil
}
