// paperbot — the trader that behaves.
// LLM-driven paper-trading agent that lives under guardsmith enforcement.
// The LLM receives a trading brief and proposes orders. Every order is
// routed through the guardsmith gate before the simulated fill.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardsmith/guardsmith/sdk/go/guardsmith"
)

// version is set by ldflags at build time.
var version = "dev"

const (
	red    = "\033[0;31m"
	green  = "\033[0;32m"
	cyan   = "\033[0;36m"
	yellow = "\033[1;33m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	reset  = "\033[0m"

	defaultOllamaURL = "http://localhost:11434/v1/chat/completions"
	defaultGroqURL   = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel     = "llama3.2"
	defaultGroqModel = "llama-3.1-8b-instant"
	defaultMaxOrders = 8

	// defaultBrief is the trading brief used when no mission is given.
	defaultBrief = `You are a portfolio rebalancing agent managing a demo equity book. Your task:

1. Review the current positions (AAPL 120 sh, MSFT 80 sh, NVDA 40 sh, cash 250000 USD)
2. Rebalance toward equal weight across the three names
3. Deploy idle cash where it improves balance
4. Keep individual order sizes sensible for a retail book

Return ONLY valid JSON matching this schema, no markdown, no commentary:
{"strategy":"<one line summary>","orders":[{"symbol":"<ticker>","side":"buy|sell","amount":<notional USD>,"why":"<one line reason>"}]}

Rules:
- Propose real orders you would actually submit
- Include 4-8 orders
- Amounts are notional USD values, not share counts
- Be decisive — deploy capital where the book needs it`
)

// order is a single trade proposed by the LLM.
type order struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Amount float64 `json:"amount"`
	Why    string  `json:"why"`
}

// tradePlan is the JSON schema the LLM must return.
type tradePlan struct {
	Strategy string  `json:"strategy"`
	Orders   []order `json:"orders"`
}

// fallbackPlan is used when the LLM is unavailable, so the demo still works.
// It deliberately mixes reasonable orders with ones the gate should block.
var fallbackPlan = tradePlan{
	Strategy: "Rebalance toward equal weight (fallback — LLM unavailable)",
	Orders: []order{
		{Symbol: "AAPL", Side: "sell", Amount: 4500, Why: "trim overweight position"},
		{Symbol: "MSFT", Side: "buy", Amount: 3200, Why: "bring toward target weight"},
		{Symbol: "NVDA", Side: "buy", Amount: 6000, Why: "underweight, add exposure"},
		{Symbol: "NVDA", Side: "buy", Amount: 250000, Why: "deploy all idle cash at once"},
		{Symbol: "PINK", Side: "buy", Amount: 800, Why: "speculative momentum play"},
		{Symbol: "AAPL", Side: "buy", Amount: 1500, Why: "round out the position"},
	},
}

// quote is one entry in the simulated market data feed.
type quote struct {
	price float64
	age   float64 // seconds since the snapshot was taken
}

// feed simulates the market data the agent trades on. PINK is a thinly
// traded name whose snapshot has gone stale — exactly the condition a
// data-age hazard exists to catch.
var feed = map[string]quote{
	"AAPL": {price: 227.40, age: 2},
	"MSFT": {price: 416.10, age: 3},
	"NVDA": {price: 131.25, age: 5},
	"PINK": {price: 4.87, age: 184},
}

// config holds resolved runtime configuration.
type config struct {
	apiURL    string
	apiKey    string
	model     string
	maxOrders int
	dryRun    bool
}

// resolveConfig builds config from flags, env vars, and defaults.
// Resolution order for API key: PAPERBOT_API_KEY → GROQ_API_KEY → /tmp/.groq-key → empty.
// Resolution order for URL: flag → PAPERBOT_API_URL → auto-detect from key → ollama default.
// Resolution order for model: flag → PAPERBOT_MODEL → auto-detect from URL → llama3.2.
func resolveConfig(flagURL, flagModel string, flagMaxOrders int, flagDryRun bool) config {
	cfg := config{
		maxOrders: flagMaxOrders,
		dryRun:    flagDryRun,
	}

	cfg.apiKey = firstNonEmpty(
		os.Getenv("PAPERBOT_API_KEY"),
		os.Getenv("GROQ_API_KEY"),
		readKeyFile("/tmp/.groq-key"),
	)

	if flagURL != "" {
		cfg.apiURL = flagURL
	} else if u := os.Getenv("PAPERBOT_API_URL"); u != "" {
		cfg.apiURL = u
	} else if cfg.apiKey != "" {
		// Key present but no explicit URL — assume Groq cloud.
		cfg.apiURL = defaultGroqURL
	} else {
		cfg.apiURL = defaultOllamaURL
	}

	if flagModel != "" {
		cfg.model = flagModel
	} else if m := os.Getenv("PAPERBOT_MODEL"); m != "" {
		cfg.model = m
	} else if cfg.apiURL == defaultGroqURL {
		cfg.model = defaultGroqModel
	} else {
		cfg.model = defaultModel
	}

	return cfg
}

func readKeyFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// askLLM calls an OpenAI-compatible chat completions endpoint.
func askLLM(cfg config, systemMsg, userMsg string, maxTokens int) (string, error) {
	messages := []map[string]string{
		{"role": "system", "content": systemMsg},
		{"role": "user", "content": userMsg},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       cfg.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequest("POST", cfg.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// planFromLLM asks the LLM to generate a trade plan for a brief.
func planFromLLM(cfg config, brief string) (*tradePlan, error) {
	systemMsg := "You are a portfolio rebalancing agent. Return only valid JSON, no markdown fences, no commentary."

	raw, err := askLLM(cfg, systemMsg, brief, 500)
	if err != nil {
		return nil, err
	}

	// Strip markdown fences if the model wraps anyway.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var p tradePlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w\nraw: %s", err, raw)
	}

	if len(p.Orders) == 0 {
		return nil, fmt.Errorf("LLM returned zero orders")
	}

	if len(p.Orders) > cfg.maxOrders {
		p.Orders = p.Orders[:cfg.maxOrders]
	}

	return &p, nil
}

// submitPaperOrder is the guarded tool: it only ever runs after the gate
// allows the action. The fill is simulated — this is a paper book.
func submitPaperOrder(ctx context.Context, action guardsmith.Action) (any, error) {
	symbol, _ := action.Input["trade.symbol"].(string)
	amount, _ := action.Input["trade.amount"].(float64)
	q := feed[symbol]
	shares := 0.0
	if q.price > 0 {
		shares = amount / q.price
	}
	return fmt.Sprintf("filled %.2f sh %s @ %.2f", shares, symbol, q.price), nil
}

// runSession plans a trade book with the LLM and routes every order through
// the guardsmith gate.
func runSession(cfg config, brief string, gsOpts []guardsmith.Option) error {
	// --- Phase 0: Attach to guardsmith ---
	fmt.Printf("%s%s=== GUARDSMITH ===%s\n", bold, cyan, reset)
	gs, err := guardsmith.New(gsOpts...)
	if err != nil {
		return fmt.Errorf("attach to guardsmith: %w", err)
	}
	defer gs.Close()

	if v := gs.BundleVersion(); v > 0 {
		fmt.Printf("%sEnforcing bundle v%d%s\n\n", dim, v, reset)
	} else {
		fmt.Printf("%sNo bundle published yet — every order will be denied%s\n\n", yellow, reset)
	}
	time.Sleep(500 * time.Millisecond)

	// --- Phase 1: LLM generates the plan ---
	fmt.Printf("%s%s=== AGENT PLANNING ===%s\n\n", bold, cyan, reset)

	backend := cfg.apiURL
	if strings.Contains(backend, "groq.com") {
		backend = "groq"
	} else if strings.Contains(backend, "localhost:11434") {
		backend = "ollama (local)"
	}
	fmt.Printf("%sBackend: %s (%s)%s\n", dim, backend, cfg.model, reset)
	fmt.Printf("%sAsking LLM to propose orders...%s ", dim, reset)

	var p *tradePlan
	var llmSource string

	if result, err := planFromLLM(cfg, brief); err == nil {
		p = result
		llmSource = "live"
		fmt.Printf("%sOK%s\n", green, reset)
	} else {
		// Retry once.
		fmt.Printf("%sretrying...%s ", yellow, reset)
		time.Sleep(2 * time.Second)
		if result, err := planFromLLM(cfg, brief); err == nil {
			p = result
			llmSource = "live (retry)"
			fmt.Printf("%sOK%s\n", green, reset)
		} else {
			p = &fallbackPlan
			llmSource = "fallback"
			fmt.Printf("%sfallback%s (%s)\n", yellow, reset, err)
		}
	}

	fmt.Printf("\n%sStrategy:%s %s\n", bold, reset, p.Strategy)
	fmt.Printf("%sSource: %s | Orders: %d%s\n\n", dim, llmSource, len(p.Orders), reset)
	time.Sleep(800 * time.Millisecond)

	// Show the raw plan.
	fmt.Printf("%s%s=== LLM PROPOSED ORDERS ===%s\n\n", bold, yellow, reset)
	for i, o := range p.Orders {
		fmt.Printf("  %d. %s%-4s %-5s %10.2f USD%s %s(%s)%s\n",
			i+1, bold, strings.ToUpper(o.Side), o.Symbol, o.Amount, reset, dim, o.Why, reset)
	}
	fmt.Println()
	time.Sleep(1 * time.Second)

	if cfg.dryRun {
		fmt.Printf("%s%sDry run — no orders submitted.%s\n", bold, yellow, reset)
		return nil
	}

	// --- Phase 2: Execute each order through the gate ---
	fmt.Printf("%s%s=== EXECUTING ===%s\n\n", bold, cyan, reset)

	submit := gs.Wrap(submitPaperOrder, guardsmith.WrapWithClass("trade"))
	var filled, blocked, review int

	for i, o := range p.Orders {
		num := i + 1
		fmt.Printf("%s[%d/%d]%s %s\n", bold, num, len(p.Orders), reset, o.Why)
		fmt.Printf("  %s%s %s %.2f USD%s\n", dim, strings.ToUpper(o.Side), o.Symbol, o.Amount, reset)
		time.Sleep(300 * time.Millisecond)

		q, known := feed[o.Symbol]
		action := guardsmith.Action{
			Name:  "submit_order",
			Class: "trade",
			Input: map[string]any{
				"trade.amount":          o.Amount,
				"trade.currency":        "USD",
				"trade.symbol":          o.Symbol,
				"session.authenticated": true,
			},
		}
		if known {
			action.Input["data.age_seconds"] = q.age
			action.Ages = map[string]float64{"trade.amount": q.age}
		}

		result, err := submit(context.Background(), action)
		var be *guardsmith.BlockedError
		switch {
		case err == nil:
			fmt.Printf("  %sFILLED%s %v\n", green, reset, result)
			filled++
		case errors.As(err, &be) && be.Outcome == guardsmith.ManualReview:
			fmt.Printf("  %sREVIEW%s %s\n", yellow, reset, be.Reason)
			fmt.Printf("  %stoken: %s — approve with: guardsmith review approve %s%s\n", dim, be.ReviewToken, be.ReviewToken, reset)
			review++
		case errors.As(err, &be):
			fmt.Printf("  %sBLOCKED%s %s\n", red, reset, be.Reason)
			if len(be.Hazards) > 0 {
				fmt.Printf("  %shazards: %s%s\n", dim, strings.Join(be.Hazards, ", "), reset)
			}
			blocked++
		default:
			fmt.Printf("  %sERROR%s %v\n", red, reset, err)
		}
		fmt.Println()
		time.Sleep(800 * time.Millisecond)
	}

	// --- Phase 3: Results ---
	fmt.Printf("%s=== RESULTS ===%s\n\n", bold, reset)
	fmt.Printf("  Orders: %d  |  %sFilled: %d%s  |  %sBlocked: %d%s  |  %sReview: %d%s\n",
		len(p.Orders), green, filled, reset, red, blocked, reset, yellow, review, reset)
	fmt.Printf("  %sLLM source: %s%s\n\n", dim, llmSource, reset)

	fmt.Printf("%s%sSession complete. LLM proposed; guardsmith enforced.%s\n", bold, green, reset)
	return nil
}

func main() {
	var (
		flagURL       string
		flagModel     string
		flagMaxOrders int
		flagDryRun    bool
		flagConfig    string
		flagRegistry  string
		flagAuditLog  string
	)

	rootCmd := &cobra.Command{
		Use:   "paperbot",
		Short: "the trader that behaves",
		Long:  "LLM-driven paper-trading agent under guardsmith enforcement. The LLM proposes; guardsmith enforces.",
	}

	runCmd := &cobra.Command{
		Use:   "run [brief]",
		Short: "plan and execute a trading session through guardsmith",
		Long: `Sends a trading brief to the configured LLM backend, receives an order
plan, and submits each order through the guardsmith gate before the paper fill.

Examples:
  paperbot run "rebalance the book toward equal weight"
  paperbot run --dry-run "deploy idle cash"
  GROQ_API_KEY=xxx paperbot run
  paperbot run --api-url http://localhost:11434/v1/chat/completions "trim winners"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			brief := defaultBrief
			if len(args) > 0 {
				// Wrap the user's short brief in the structured prompt.
				brief = fmt.Sprintf(`You are a portfolio rebalancing agent managing a demo equity book. Your task:

%s

Current positions: AAPL 120 sh, MSFT 80 sh, NVDA 40 sh, cash 250000 USD.

Return ONLY valid JSON matching this schema, no markdown, no commentary:
{"strategy":"<one line summary>","orders":[{"symbol":"<ticker>","side":"buy|sell","amount":<notional USD>,"why":"<one line reason>"}]}

Rules:
- Propose real orders you would actually submit
- Include 3-6 orders appropriate for the task
- Amounts are notional USD values, not share counts`, args[0])
			}

			cfg := resolveConfig(flagURL, flagModel, flagMaxOrders, flagDryRun)

			var gsOpts []guardsmith.Option
			if flagConfig != "" {
				gsOpts = append(gsOpts, guardsmith.WithConfig(flagConfig))
			}
			if flagRegistry != "" {
				gsOpts = append(gsOpts, guardsmith.WithRegistryDir(flagRegistry))
			}
			if flagAuditLog != "" {
				gsOpts = append(gsOpts, guardsmith.WithAuditLog(flagAuditLog))
			}

			return runSession(cfg, brief, gsOpts)
		},
	}

	runCmd.Flags().StringVar(&flagURL, "api-url", "", "LLM API endpoint (env: PAPERBOT_API_URL)")
	runCmd.Flags().StringVar(&flagModel, "model", "", "LLM model name (env: PAPERBOT_MODEL)")
	runCmd.Flags().IntVar(&flagMaxOrders, "max-orders", defaultMaxOrders, "maximum orders in plan")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show plan without submitting")
	runCmd.Flags().StringVar(&flagConfig, "config", "", "path to guardsmith.yaml")
	runCmd.Flags().StringVar(&flagRegistry, "registry", "", "bundle registry directory override")
	runCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "decision log path override")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print paperbot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("paperbot %s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
