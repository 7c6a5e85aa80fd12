package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-liquidity/internal/config"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/rule"
	"github.com/ksred/klear-liquidity/internal/types"
)

const (
	numWorkers   = 4
	pollInterval = 500 * time.Millisecond
)

var errConflict = errors.New("conflict")

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
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the liquidity API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
	order     []string
}

// newSimulationClient creates a client and authenticates with the API
func newSimulationClient(baseURL string, cfg *config.Config) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"chain":     {name: "Create Chain"},
			"rule":      {name: "Create Rule"},
			"balances":  {name: "Post Balances"},
			"pipelines": {name: "List Pipelines"},
			"orders":    {name: "List Orders"},
		},
		order: []string{"auth", "chain", "rule", "balances", "pipelines", "orders"},
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	credentials := map[string]string{
		"api_key":    cfg.OperatorKey,
		"api_secret": cfg.OperatorSecret,
	}
	if err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", credentials, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token

	return sc, nil
}

// do sends a JSON request, records its latency under route and decodes the
// response envelope's data into out
func (sc *simulationClient) do(route, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if !envelope.Success {
		msg := "unknown error"
		if envelope.Error != nil {
			msg = envelope.Error.Message
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// createChain authors a buy or sell chain for asset that falls back across
// venues, returning the head action
func (sc *simulationClient) createChain(command, asset string) (*types.LiquidityManagementAction, error) {
	two, three := 2, 3
	steps := []graph.StepInput{
		{StepNumber: 1, System: "Scrypt", Command: command, Params: map[string]interface{}{"tradeAsset": asset}, StepOnFail: &two},
		{StepNumber: 2, System: "Kraken", Command: command, Params: map[string]interface{}{"tradeAsset": asset}, StepOnFail: &three},
		{StepNumber: 3, System: "Binance", Command: command, Params: map[string]interface{}{"tradeAsset": asset}},
	}

	var head types.LiquidityManagementAction
	if err := sc.do("chain", http.MethodPost, "/api/v1/actions/chain", map[string]interface{}{"steps": steps}, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func (sc *simulationClient) createRule(in rule.RuleInput) (*types.LiquidityManagementRule, error) {
	var created types.LiquidityManagementRule
	if err := sc.do("rule", http.MethodPost, "/api/v1/rules", in, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (sc *simulationClient) postBalance(assetID uint, amount decimal.Decimal) error {
	request := map[string]interface{}{
		"balances": []map[string]interface{}{
			{"asset_id": assetID, "amount": amount, "observed_at": time.Now().UTC()},
		},
	}
	return sc.do("balances", http.MethodPost, "/api/v1/internal/balances", request, nil)
}

func (sc *simulationClient) listPipelines() ([]types.LiquidityManagementPipeline, error) {
	var pipelines []types.LiquidityManagementPipeline
	err := sc.do("pipelines", http.MethodGet, "/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

func (sc *simulationClient) listOrders(pipelineID uint) ([]types.LiquidityManagementOrder, error) {
	var orders []types.LiquidityManagementOrder
	err := sc.do("orders", http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d/orders", pipelineID), nil, &orders)
	return orders, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
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
	fmt.Println(strings.Repeat("-", 100))
}

// main authors one rule per simulated asset, feeds random balances and
// reports how the resulting pipelines ended
func main() {
	addr := flag.String("addr", "http://localhost:8080", "liquidity server address")
	assets := flag.Int("assets", 5, "number of simulated assets")
	rounds := flag.Int("rounds", 20, "balance observations per asset")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for pipelines to finish")
	flag.Parse()

	config.LoadEnvironment()
	cfg := config.NewConfig()
	cfg.LoadFromEnvironment()

	runID := uuid.New().String()
	logger := log.With().Str("run_id", runID).Logger()

	simClient, err := newSimulationClient(*addr, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Author chains and rules
	var assetIDs []uint
	for i := 1; i <= *assets; i++ {
		asset := fmt.Sprintf("SIM%d-%s", i, runID[:8])
		buy, err := simClient.createChain("buy", asset)
		if err != nil {
			logger.Fatal().Err(err).Str("asset", asset).Msg("Failed to create deficit chain")
		}
		sell, err := simClient.createChain("sell", asset)
		if err != nil {
			logger.Fatal().Err(err).Str("asset", asset).Msg("Failed to create redundancy chain")
		}

		assetID := uint(i)
		reactivation := 1
		r, err := simClient.createRule(rule.RuleInput{
			Context:                 "simulation",
			AssetID:                 &assetID,
			Minimal:                 decimal.NewFromInt(100),
			Optimal:                 decimal.NewFromInt(500),
			Maximal:                 decimal.NewFromInt(1000),
			DeficitStartActionID:    &buy.ID,
			RedundancyStartActionID: &sell.ID,
			CheckIntervalSeconds:    5,
			ReactivationMinutes:     &reactivation,
		})
		if errors.Is(err, errConflict) {
			logger.Warn().Uint("asset_id", assetID).Msg("Rule already exists for asset, reusing it")
		} else if err != nil {
			logger.Fatal().Err(err).Uint("asset_id", assetID).Msg("Failed to create rule")
		} else {
			logger.Info().Uint("rule_id", r.ID).Uint("asset_id", assetID).Msg("Rule created")
		}
		assetIDs = append(assetIDs, assetID)
	}

	start := time.Now()

	// Post balances concurrently
	var wg sync.WaitGroup
	jobs := make(chan uint)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for assetID := range jobs {
				amount := decimal.NewFromInt(int64(rng.Intn(1500)))
				if err := simClient.postBalance(assetID, amount); err != nil {
					logger.Error().Err(err).Int("worker_id", workerID).Uint("asset_id", assetID).Msg("Failed to post balance")
					continue
				}
				logger.Debug().Int("worker_id", workerID).Uint("asset_id", assetID).Str("amount", amount.String()).Msg("Balance posted")
				time.Sleep(time.Duration(rng.Intn(200)) * time.Millisecond)
			}
		}(w)
	}
	for round := 0; round < *rounds; round++ {
		for _, id := range assetIDs {
			jobs <- id
		}
	}
	close(jobs)
	wg.Wait()

	// Poll until every pipeline this run started has terminated
	var pipelines []types.LiquidityManagementPipeline
	deadline := time.Now().Add(*wait)
	for {
		all, err := simClient.listPipelines()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list pipelines")
		}
		pipelines = pipelines[:0]
		open := 0
		for _, p := range all {
			if !p.CreatedAt.Before(start) {
				pipelines = append(pipelines, p)
				if !p.Status.Terminal() {
					open++
				}
			}
		}
		if open == 0 || time.Now().After(deadline) {
			if open > 0 {
				logger.Warn().Int("open", open).Msg("Pipelines still running at deadline")
			}
			break
		}
		time.Sleep(pollInterval)
	}

	// Summarize
	byStatus := map[types.PipelineStatus]int{}
	byType := map[types.PipelineType]int{}
	bySystem := map[string]int{}
	orders, moved := 0, decimal.Zero
	for _, p := range pipelines {
		byStatus[p.Status]++
		byType[p.Type]++
		if p.Status == types.PipelineStatusComplete {
			moved = moved.Add(p.TargetAmount)
		}
		list, err := simClient.listOrders(p.ID)
		if err != nil {
			logger.Error().Err(err).Uint("pipeline_id", p.ID).Msg("Failed to list orders")
			continue
		}
		orders += len(list)
		for _, o := range list {
			if o.Status == types.OrderStatusComplete {
				bySystem[o.System]++
			}
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LIQUIDITY SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Pipeline Statistics
-------------------
Pipelines:        %d
Deficit:          %d
Redundancy:       %d
Complete:         %d
Failed:           %d
Orders:           %d
Amount Moved:     %s
Duration:         %v

Completed Orders by System
--------------------------
`, len(pipelines), byType[types.PipelineTypeDeficit], byType[types.PipelineTypeRedundancy],
		byStatus[types.PipelineStatusComplete], byStatus[types.PipelineStatusFailed],
		orders, moved.String(), duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range bySystem {
		if count > maxCount {
			maxCount = count
		}
	}
	for system, count := range bySystem {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-10s: %s (%d)\n", system, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := 0.0
	if len(pipelines) > 0 {
		successRate = float64(byStatus[types.PipelineStatusComplete]) / float64(len(pipelines)) * 100
	}
	logger.Info().
		Float64("success_rate", successRate).
		Int("pipelines", len(pipelines)).
		Int("orders", orders).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
