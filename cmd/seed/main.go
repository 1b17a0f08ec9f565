// seed is a one-shot tool that loads demo data for local development: one
// branch with two sections, a handful of tables, staff and products.
//
// Usage: go run ./cmd/seed
package main

import (
	"context"
	"log"
	"os"

	"pos-core/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	log.Println("Restoring branch...")
	_, err = tx.Exec(ctx, `
		INSERT INTO branches (code, name, allow_overselling)
		VALUES ('MAIN', 'Main Street', false)
		ON CONFLICT (code) DO UPDATE
		  SET name = EXCLUDED.name,
		      allow_overselling = EXCLUDED.allow_overselling;
	`)
	if err != nil {
		log.Fatalf("Failed to restore branch: %v", err)
	}

	log.Println("Restoring sections...")
	_, err = tx.Exec(ctx, `
		INSERT INTO sections (branch_id, name)
		SELECT b.id, s.name
		FROM branches b
		CROSS JOIN (VALUES ('Dining Room'), ('Terrace')) AS s(name)
		WHERE b.code = 'MAIN'
		ON CONFLICT DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to restore sections: %v", err)
	}

	log.Println("Restoring tables...")
	_, err = tx.Exec(ctx, `
		INSERT INTO restaurant_tables (branch_id, section_id, name)
		SELECT b.id, sec.id, t.name
		FROM branches b
		JOIN sections sec ON sec.branch_id = b.id AND sec.name = 'Dining Room'
		CROSS JOIN (VALUES ('T1'), ('T2'), ('T3'), ('T4')) AS t(name)
		WHERE b.code = 'MAIN'
		ON CONFLICT DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to restore tables: %v", err)
	}

	log.Println("Restoring staff...")
	_, err = tx.Exec(ctx, `
		INSERT INTO staff (branch_id, name, pin, is_supervisor)
		SELECT b.id, s.name, s.pin, s.is_supervisor
		FROM branches b
		CROSS JOIN (VALUES
		    ('Alex Reed',   '4821', true),
		    ('Sam Porter',  '1134', false),
		    ('Jo Castillo', '7090', false)
		) AS s(name, pin, is_supervisor)
		WHERE b.code = 'MAIN'
		ON CONFLICT DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to restore staff: %v", err)
	}

	log.Println("Restoring products...")
	_, err = tx.Exec(ctx, `
		INSERT INTO products (branch_id, code, name, unit_price)
		SELECT b.id, p.code, p.name, p.unit_price::numeric
		FROM branches b
		CROSS JOIN (VALUES
		    ('ESP',  'Espresso',       '2.50'),
		    ('CAP',  'Cappuccino',     '3.80'),
		    ('CRST', 'Croissant',      '2.20'),
		    ('MARG', 'Margherita',     '9.50'),
		    ('LMND', 'Lemonade',       '3.00'),
		    ('TIRA', 'Tiramisu',       '5.40')
		) AS p(code, name, unit_price)
		WHERE b.code = 'MAIN'
		ON CONFLICT (branch_id, code) DO UPDATE
		  SET name = EXCLUDED.name,
		      unit_price = EXCLUDED.unit_price;
	`)
	if err != nil {
		log.Fatalf("Failed to restore products: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}

	log.Println("Seed data restored.")
}
