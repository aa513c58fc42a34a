// Benchmark tool for load-testing Kestrel with repair order data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/orders.csv -url http://localhost:8080
//
// This tool:
//   1. Reads repair order rows from a CSV export
//   2. Sends each order to Kestrel for a settle pass
//   3. Tracks the order tier and reward distribution of the results
//   4. Reports latency and throughput
//
// Expected CSV columns (header required, case-insensitive):
//   order_id, user_id, merchant_id, total_amount, vehicle_price, levels
// where levels is a pipe-separated list of complexity levels, e.g. "L1|L3".
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OrderRow is one repair order read from the CSV.
type OrderRow struct {
	OrderID      string
	UserID       string
	MerchantID   string
	TotalAmount  string
	VehiclePrice string
	Levels       []string
}

// SettleRequest is the Kestrel API request format.
type SettleRequest struct {
	OrderID      string     `json:"orderId"`
	UserID       string     `json:"userId"`
	MerchantID   string     `json:"merchantId"`
	TotalAmount  string     `json:"totalAmount"`
	VehiclePrice string     `json:"vehiclePrice"`
	Items        []ItemSpec `json:"items"`
}

type ItemSpec struct {
	ID    string `json:"id"`
	Level string `json:"level"`
}

// SettleResult is the subset of the API response the benchmark reads.
type SettleResult struct {
	Settlement struct {
		OrderTier int    `json:"orderTier"`
		Reward    string `json:"reward"`
	} `json:"settlement"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	TierCounts [5]int64 // index by order tier, 0 unused

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to repair orders CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum orders to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each order result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("===============================================")
	fmt.Println("     KESTREL BENCHMARK - Settle Throughput")
	fmt.Println("===============================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading orders from %s...\n", *csvPath)
	orders, err := readOrdersCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d orders\n", len(orders))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(orders, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readOrdersCSV(path string, limit int) ([]OrderRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"order_id", "user_id", "merchant_id", "total_amount", "vehicle_price", "levels"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var orders []OrderRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		levels := []string{}
		for _, lv := range strings.Split(record[colIndex["levels"]], "|") {
			if lv = strings.TrimSpace(lv); lv != "" {
				levels = append(levels, lv)
			}
		}

		orders = append(orders, OrderRow{
			OrderID:      record[colIndex["order_id"]],
			UserID:       record[colIndex["user_id"]],
			MerchantID:   record[colIndex["merchant_id"]],
			TotalAmount:  record[colIndex["total_amount"]],
			VehiclePrice: record[colIndex["vehicle_price"]],
			Levels:       levels,
		})

		if limit > 0 && len(orders) >= limit {
			break
		}
	}

	return orders, nil
}

func runBenchmark(orders []OrderRow, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan OrderRow, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for order := range work {
				start := time.Now()
				result, err := settleOrder(client, baseURL, tenantID, order)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", order.OrderID, err)
					}
					continue
				}

				tier := result.Settlement.OrderTier
				if tier >= 1 && tier <= 4 {
					atomic.AddInt64(&metrics.TierCounts[tier], 1)
				}

				if verbose {
					fmt.Printf("%-16s | Amount: %12s | Tier: T%d | Reward: %s\n",
						order.OrderID,
						order.TotalAmount,
						tier,
						result.Settlement.Reward,
					)
				}
			}
		}()
	}

	for _, order := range orders {
		work <- order
	}
	close(work)

	wg.Wait()

	return metrics
}

func settleOrder(client *http.Client, baseURL, tenantID string, order OrderRow) (*SettleResult, error) {
	req := SettleRequest{
		OrderID:      order.OrderID,
		UserID:       order.UserID,
		MerchantID:   order.MerchantID,
		TotalAmount:  order.TotalAmount,
		VehiclePrice: order.VehiclePrice,
	}
	for i, lv := range order.Levels {
		req.Items = append(req.Items, ItemSpec{
			ID:    fmt.Sprintf("%s-item-%d", order.OrderID, i+1),
			Level: lv,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result SettleResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n===============================================")
	fmt.Println("              BENCHMARK RESULTS")
	fmt.Println("===============================================")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nORDER TIER DISTRIBUTION\n")
	settled := int64(0)
	for tier := 1; tier <= 4; tier++ {
		settled += m.TierCounts[tier]
	}
	for tier := 1; tier <= 4; tier++ {
		pct := float64(0)
		if settled > 0 {
			pct = 100 * float64(m.TierCounts[tier]) / float64(settled)
		}
		fmt.Printf("   T%d:  %8d (%.2f%%)\n", tier, m.TierCounts[tier], pct)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		ops := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f orders/sec\n", ops)
	}

	fmt.Println()
}
