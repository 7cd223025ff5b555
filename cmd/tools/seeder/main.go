package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// seedNamespace keeps demo IDs stable so the seeder can be re-run.
var seedNamespace = uuid.MustParse("2f0a3c1e-7a55-4c3d-9f0e-5b8a1d6c4e21")

func seedID(kind, key string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(kind+":"+key))
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedUsers(ctx, pool)
	seedMembershipFees(ctx, pool)
	seedEvents(ctx, pool)
	seedMerchandise(ctx, pool)
	seedPlans(ctx, pool)

	log.Println("Seeding completed successfully!")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) {
	users := []struct {
		Name  string
		Email string
		Batch string
	}{
		{"Budi Santoso", "budi@example.com", "2015"},
		{"Siti Aminah", "siti@example.com", "2017"},
		{"Andi Pratama", "andi@example.com", "2019"},
		{"Dewi Lestari", "dewi@example.com", "2019"},
		{"Eko Kurniawan", "eko@example.com", "2021"},
	}

	fmt.Println("Seeding Users...")
	for _, u := range users {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, name, email, batch)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email) DO NOTHING;
		`, seedID("user", u.Email), u.Name, u.Email, u.Batch)
		if err != nil {
			log.Printf("Failed to seed user %s: %v", u.Email, err)
		}
	}
}

func seedMembershipFees(ctx context.Context, pool *pgxpool.Pool) {
	fees := map[string]int64{"2015": 250_000, "2017": 200_000, "2019": 150_000, "2021": 100_000}

	fmt.Println("Seeding Membership Fees...")
	for batch, fee := range fees {
		_, err := pool.Exec(ctx, `
			INSERT INTO membership_fees (batch, fee) VALUES ($1, $2)
			ON CONFLICT (batch) DO UPDATE SET fee = EXCLUDED.fee;
		`, batch, fee)
		if err != nil {
			log.Printf("Failed to seed membership fee %s: %v", batch, err)
		}
	}
}

func seedEvents(ctx context.Context, pool *pgxpool.Pool) {
	now := time.Now().UTC().Truncate(time.Hour)
	events := []struct {
		Title     string
		Venue     string
		StartsIn  time.Duration
		Capacity  int
		Fee       int64
		GuestFee  int64
		Donations bool
	}{
		{"Reuni Akbar", "Aula Utama", 30 * 24 * time.Hour, 300, 150_000, 75_000, true},
		{"Career Talk", "Ruang Seminar 2", 10 * 24 * time.Hour, 80, 50_000, 0, false},
		{"Bakti Sosial", "Desa Sukamaju", 45 * 24 * time.Hour, 0, 0, 0, true},
	}

	fmt.Println("Seeding Events...")
	for _, e := range events {
		starts := now.Add(e.StartsIn)
		closes := starts.Add(-24 * time.Hour)
		_, err := pool.Exec(ctx, `
			INSERT INTO events (id, title, venue, status, starts_at, registration_opens_at, registration_closes_at,
			                    capacity, registration_fee, guest_fee, accepts_donations)
			VALUES ($1, $2, $3, 'OPEN', $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING;
		`, seedID("event", e.Title), e.Title, e.Venue, starts, now, closes, e.Capacity, e.Fee, e.GuestFee, e.Donations)
		if err != nil {
			log.Printf("Failed to seed event %s: %v", e.Title, err)
		}
	}
}

func seedMerchandise(ctx context.Context, pool *pgxpool.Pool) {
	items := []struct {
		Name  string
		Price int64
		Stock int
	}{
		{"Kaos Alumni", 120_000, 100},
		{"Tumbler", 85_000, 50},
		{"Topi", 60_000, 0},
	}

	fmt.Println("Seeding Merchandise...")
	for _, it := range items {
		_, err := pool.Exec(ctx, `
			INSERT INTO merchandise_items (id, name, price, stock, active)
			VALUES ($1, $2, $3, $4, TRUE)
			ON CONFLICT (id) DO UPDATE SET price = EXCLUDED.price, stock = EXCLUDED.stock;
		`, seedID("item", it.Name), it.Name, it.Price, it.Stock)
		if err != nil {
			log.Printf("Failed to seed item %s: %v", it.Name, err)
		}
	}
}

func seedPlans(ctx context.Context, pool *pgxpool.Pool) {
	plans := []struct {
		Name    string
		Monthly int64
		Yearly  int64
	}{
		{"Basic", 25_000, 250_000},
		{"Pro", 75_000, 750_000},
	}

	fmt.Println("Seeding Subscription Plans...")
	for _, p := range plans {
		_, err := pool.Exec(ctx, `
			INSERT INTO subscription_plans (id, name, monthly_price, yearly_price, active)
			VALUES ($1, $2, $3, $4, TRUE)
			ON CONFLICT (id) DO UPDATE SET monthly_price = EXCLUDED.monthly_price, yearly_price = EXCLUDED.yearly_price;
		`, seedID("plan", p.Name), p.Name, p.Monthly, p.Yearly)
		if err != nil {
			log.Printf("Failed to seed plan %s: %v", p.Name, err)
		}
	}
}
