package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dienstmarkt/escrow-api/internal/auth"
	"github.com/dienstmarkt/escrow-api/internal/billing"
	"github.com/dienstmarkt/escrow-api/internal/database"
	"github.com/dienstmarkt/escrow-api/internal/events"
	"github.com/dienstmarkt/escrow-api/internal/ledger"
	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/reconcile"
	"github.com/dienstmarkt/escrow-api/internal/transfer"
	"github.com/dienstmarkt/escrow-api/internal/types"
	"github.com/dienstmarkt/escrow-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 100
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	operatorKey    = "sim-operator-key"
	operatorSecret = "sim-operator-secret"
)

// Hourly rates providers charge for additional work, in cents.
var hourlyRates = []int64{2500, 4500, 6500, 9000, 12000}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the escrow API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Order"},
			"capture": {name: "Capture Payment"},
			"get":     {name: "Get Order"},
			"release": {name: "Release Escrow"},
			"entry":   {name: "Record Entry"},
			"hold":    {name: "Hold Entry"},
			"sweep":   {name: "Trigger Sweep"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    operatorKey,
		"api_secret": operatorSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// doJSON performs an authenticated request and decodes the standard
// response envelope into out.
func (sc *simulationClient) doJSON(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// createOrder registers a new order and returns its ID
func (sc *simulationClient) createOrder(customerID, providerAccountRef string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	var result struct {
		Data types.Order `json:"data"`
	}
	err := sc.doJSON("POST", "/api/v1/orders", map[string]string{
		"customer_id":          customerID,
		"provider_account_ref": providerAccountRef,
	}, &result)
	if err != nil {
		sc.stats["create"].failures++
		return "", err
	}
	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response")
	}
	return result.Data.OrderID, nil
}

// capturePayment records a confirmed capture for the order
func (sc *simulationClient) capturePayment(orderID string, grossAmount int64) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["capture"].addDuration(time.Since(start))
	}()

	var result struct {
		Data types.Order `json:"data"`
	}
	err := sc.doJSON("POST", "/api/v1/internal/capture/"+orderID, map[string]int64{
		"gross_amount": grossAmount,
	}, &result)
	if err != nil {
		sc.stats["capture"].failures++
		return nil, err
	}
	return &result.Data, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	var result struct {
		Data types.Order `json:"data"`
	}
	if err := sc.doJSON("GET", "/api/v1/orders/"+orderID, nil, &result); err != nil {
		sc.stats["get"].failures++
		return nil, err
	}
	return &result.Data, nil
}

// releaseOrder marks a held order as eligible for payout
func (sc *simulationClient) releaseOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["release"].addDuration(time.Since(start))
	}()

	if err := sc.doJSON("POST", "/api/v1/internal/release/"+orderID, nil, nil); err != nil {
		sc.stats["release"].failures++
		return err
	}
	return nil
}

// recordEntry logs additional hours against an order and returns the entry ID
func (sc *simulationClient) recordEntry(orderID string, hours, hourlyRate int64) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["entry"].addDuration(time.Since(start))
	}()

	var result struct {
		Data billing.Entry `json:"data"`
	}
	err := sc.doJSON("POST", "/api/v1/orders/"+orderID+"/entries", map[string]int64{
		"hours":                hours,
		"hourly_rate_at_entry": hourlyRate,
	}, &result)
	if err != nil {
		sc.stats["entry"].failures++
		return "", err
	}
	return result.Data.EntryID, nil
}

// holdEntry confirms processor-side capture of an entry's funds
func (sc *simulationClient) holdEntry(entryID string) error {
	start := time.Now()
	defer func() {
		sc.stats["hold"].addDuration(time.Since(start))
	}()

	if err := sc.doJSON("POST", "/api/v1/internal/entries/"+entryID+"/hold", nil, nil); err != nil {
		sc.stats["hold"].failures++
		return err
	}
	return nil
}

// triggerSweep runs one reconciliation pass on demand
func (sc *simulationClient) triggerSweep() error {
	start := time.Now()
	defer func() {
		sc.stats["sweep"].addDuration(time.Since(start))
	}()

	if err := sc.doJSON("POST", "/api/v1/internal/sweep", nil, nil); err != nil {
		sc.stats["sweep"].failures++
		return err
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

// simulatedOrder tracks one order through its lifecycle
type simulatedOrder struct {
	orderID    string
	accountRef string
	gross      int64
	entryIDs   []string
}

// main runs the escrow lifecycle simulation
// It starts a local API server with an in-memory payment processor and
// drives concurrent marketplace orders from creation to completion
func main() {
	sim := processor.NewSimulated().WithLatency(time.Millisecond, 10*time.Millisecond)

	// Start the server in a goroutine
	go func() {
		if err := startServer(sim); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan simulatedOrder, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runOrders(workerID, targetOrders/numWorkers, simClient, sim, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orders []simulatedOrder
	for o := range ordersChan {
		orders = append(orders, o)
	}

	log.Info().Int("orders_captured", len(orders)).Msg("All orders captured and released")

	// Funds settle on the processor side, then sweeps pick everything up
	for _, o := range orders {
		sim.SettlePending(o.accountRef)
	}

	stats := struct {
		TotalOrders  int
		Completed    int
		Transferred  int
		Failed       int
		Stuck        int
		TotalGross   int64
		TotalFees    int64
		TotalPayouts int64
		EntriesPaid  int
		StartTime    time.Time
		States       map[string]int
	}{
		TotalOrders: len(orders),
		StartTime:   time.Now(),
		States:      make(map[string]int),
	}

	// A few sweeps drive base payouts, entry payouts and completion
	for i := 0; i < 4; i++ {
		if err := simClient.triggerSweep(); err != nil {
			log.Error().Err(err).Msg("Failed to trigger sweep")
		}
		time.Sleep(500 * time.Millisecond)
	}

	for _, o := range orders {
		order, err := simClient.getOrder(o.orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", o.orderID).Msg("Failed to fetch final order state")
			stats.Stuck++
			continue
		}

		stats.States[string(order.State)]++
		switch order.State {
		case types.OrderCompleted:
			stats.Completed++
			stats.TotalGross += order.GrossAmount
			stats.TotalFees += order.PlatformFee
			stats.TotalPayouts += order.NetPayoutAmount
			stats.EntriesPaid += len(o.entryIDs)
		case types.OrderTransferred:
			stats.Transferred++
		case types.OrderFailed:
			stats.Failed++
			log.Warn().
				Str("order_id", order.OrderID).
				Str("reason", order.FailureReason).
				Msg("Order failed")
		default:
			stats.Stuck++
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW LIFECYCLE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Completed:        %d
Transferred:      %d
Failed:           %d
Incomplete:       %d
Entries Paid:     %d
Gross Volume:     EUR %.2f
Platform Fees:    EUR %.2f
Provider Payouts: EUR %.2f
Processor Transfers: %d
Duration:         %v

State Distribution
------------------
`, stats.TotalOrders, stats.Completed, stats.Transferred, stats.Failed, stats.Stuck,
		stats.EntriesPaid,
		float64(stats.TotalGross)/100, float64(stats.TotalFees)/100, float64(stats.TotalPayouts)/100,
		sim.TransferCount(), duration.Round(time.Millisecond))

	maxStateCount := 0
	for _, count := range stats.States {
		if count > maxStateCount {
			maxStateCount = count
		}
	}
	for state, count := range stats.States {
		barLength := int(float64(count) / float64(maxStateCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-14s: %s (%d)\n", state, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(stats.Completed) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("completed", stats.Completed).
		Int64("gross_volume", stats.TotalGross).
		Int64("platform_fees", stats.TotalFees).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// runOrders drives a batch of orders through create, capture and release.
// Sends each captured order to ordersChan for the payout phase.
func runOrders(workerID, numOrders int, simClient *simulationClient, sim *processor.Simulated, ordersChan chan<- simulatedOrder) {
	for i := 0; i < numOrders; i++ {
		customerID := fmt.Sprintf("CUST_%d_%d", workerID, i)
		accountRef := fmt.Sprintf("acct_sim_%d", workerID)
		sim.SetAccount(accountRef, 0, 0, true)

		orderID, err := simClient.createOrder(customerID, accountRef)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to create order")
			continue
		}

		// Gross between EUR 20 and EUR 3000
		gross := int64(rand.Intn(298000) + 2000)

		order, err := simClient.capturePayment(orderID, gross)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to capture payment")
			continue
		}

		// The capture lands in the processor's pending bucket
		sim.AddPending(accountRef, gross)

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Int64("gross_amount", order.GrossAmount).
			Int64("platform_fee", order.PlatformFee).
			Int64("net_payout", order.NetPayoutAmount).
			Msg("Payment captured")

		simOrder := simulatedOrder{orderID: orderID, accountRef: accountRef, gross: gross}

		// Immediate-release configuration: the first sweep moves the order to
		// held, release is the operator's explicit call after that
		if err := simClient.triggerSweep(); err != nil {
			log.Error().Err(err).Msg("Failed to trigger sweep")
		}
		if err := simClient.releaseOrder(orderID); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to release order")
			continue
		}

		// Roughly a third of orders accrue additional billed hours
		if rand.Intn(3) == 0 {
			hours := int64(rand.Intn(12) + 1)
			rate := hourlyRates[rand.Intn(len(hourlyRates))]
			entryID, err := simClient.recordEntry(orderID, hours, rate)
			if err != nil {
				log.Error().Err(err).Str("order_id", orderID).Msg("Failed to record entry")
			} else {
				sim.AddPending(accountRef, hours*rate)
				if err := simClient.holdEntry(entryID); err != nil {
					log.Error().Err(err).Str("entry_id", entryID).Msg("Failed to hold entry")
				} else {
					simOrder.entryIDs = append(simOrder.entryIDs, entryID)
				}
			}
		}

		ordersChan <- simOrder

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the escrow API server backed by the
// shared simulated processor. Zero clearing hold so payouts are eligible
// as soon as the operator releases them.
func startServer(sim *processor.Simulated) error {
	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	jwtSecret := "simulation-secret"
	authService := auth.NewService(jwtSecret)
	authService.RegisterInternalCredentials(operatorKey, operatorSecret)

	feeRate := decimal.RequireFromString("0.045")
	ledgerService := ledger.NewService(db, feeRate, 0)
	billingService := billing.NewService(db)
	ledgerService.SetEntryAuditor(billingService)

	executor := transfer.NewExecutor(db, sim)
	reconciler := reconcile.NewReconciler(sim)
	sweeper := reconcile.NewSweeper(ledgerService, billingService, reconciler, executor, events.NewLogPublisher(), time.Minute)

	// Initialize router
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	billingHandlers := billing.NewGinHandlers(billingService)
	transferHandlers := transfer.NewGinHandlers(executor)
	reconcileHandlers := reconcile.NewGinHandlers(sweeper)

	// Setup routes
	setupRoutes(router, jwtSecret, authHandlers, ledgerHandlers, billingHandlers, transferHandlers, reconcileHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	billingHandlers *billing.GinHandlers,
	transferHandlers *transfer.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", ledgerHandlers.CreateOrderHandler())
			orders.GET("/:order_id", ledgerHandlers.GetOrderHandler())
			orders.POST("/:order_id/entries", billingHandlers.RecordEntryHandler())
			orders.GET("/:order_id/entries", billingHandlers.GetOrderEntriesHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/capture/:order_id", ledgerHandlers.CapturePaymentHandler())
			internal.POST("/release/:order_id", ledgerHandlers.ReleaseOrderHandler())
			internal.POST("/entries/:entry_id/hold", billingHandlers.HoldEntryHandler())
			internal.GET("/orders/:order_id/audit", billingHandlers.AuditEntryTotalsHandler())
			internal.GET("/attempts/:attempt_id", transferHandlers.GetAttemptHandler())
			internal.GET("/attempts/failed", transferHandlers.GetFailedAttemptsHandler())
			internal.POST("/sweep", reconcileHandlers.TriggerSweepHandler())
		}
	}
}
