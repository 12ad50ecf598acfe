// Command generate writes the demo fixtures under testdata/: seed.json for
// `escortd seed` and referrals.csv for the referral import endpoint.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/carelink/escortd/internal/app"
	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/ingestion"
)

type referralSnapshot struct {
	GeneratedAt string            `json:"generated_at"`
	Escorts     []ingestion.Entry `json:"escorts"`
}

type seedFile struct {
	Referrals referralSnapshot `json:"referrals"`
	Orders    []app.SeedOrder  `json:"orders"`
}

func main() {
	baseDir := findTestdataDir()

	escorts := referralForest()
	orders := demoOrders(24)

	writeJSONFile(filepath.Join(baseDir, "seed.json"), seedFile{
		Referrals: referralSnapshot{GeneratedAt: "2026-03-01T00:00:00Z", Escorts: escorts},
		Orders:    orders,
	})
	fmt.Printf("Generated %d escorts and %d orders -> seed.json\n", len(escorts), len(orders))

	writeReferralCSV(filepath.Join(baseDir, "referrals.csv"), escorts)
	fmt.Printf("Generated %d referral rows -> referrals.csv\n", len(escorts))

	fmt.Println("Test data generation complete.")
}

// referralForest builds three city-partner trees: two team leads under each
// partner, three escorts under each lead, and one escort recruited by the
// first escort of each tree so chains reach the depth cap.
func referralForest() []ingestion.Entry {
	var out []ingestion.Entry
	for cp := 1; cp <= 3; cp++ {
		cpID := fmt.Sprintf("CP%02d", cp)
		out = append(out, ingestion.Entry{EscortID: cpID, Level: int(domain.LevelCityPartner)})

		for tl := 1; tl <= 2; tl++ {
			tlID := fmt.Sprintf("TL%02d%02d", cp, tl)
			out = append(out, ingestion.Entry{EscortID: tlID, ReferrerID: cpID, Level: int(domain.LevelTeamLead)})

			for e := 1; e <= 3; e++ {
				out = append(out, ingestion.Entry{
					EscortID:   fmt.Sprintf("E%02d%02d%02d", cp, tl, e),
					ReferrerID: tlID,
					Level:      int(domain.LevelEscort),
				})
			}
		}

		out = append(out, ingestion.Entry{
			EscortID:   fmt.Sprintf("E%02d0104", cp),
			ReferrerID: fmt.Sprintf("E%02d0101", cp),
			Level:      int(domain.LevelEscort),
		})
	}
	return out
}

// demoOrders spreads amounts between 80.00 and 599.00; every fifth order is
// left unpaid.
func demoOrders(n int) []app.SeedOrder {
	orders := make([]app.SeedOrder, 0, n)
	for i := 0; i < n; i++ {
		orders = append(orders, app.SeedOrder{
			AmountCents: 8000 + int64(i*3700%52000)/100*100,
			Paid:        i%5 != 4,
		})
	}
	return orders
}

func writeReferralCSV(path string, escorts []ingestion.Entry) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	w.Write([]string{"escort_id", "referrer_id", "level"})
	for _, e := range escorts {
		w.Write([]string{e.EscortID, e.ReferrerID, strconv.Itoa(e.Level)})
	}
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	// Look for the testdata directory relative to common locations.
	candidates := []string{
		"testdata",
		"./testdata",
		"../",
	}
	for _, c := range candidates {
		if info, err := os.Stat(filepath.Join(c, "generate")); err == nil && info.IsDir() {
			return c
		}
	}
	// Fallback.
	return "testdata"
}
