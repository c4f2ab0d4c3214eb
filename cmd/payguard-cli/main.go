package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/policy"
	"github.com/clearlane/payguard/internal/schema"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "pay":
		return handlePay(args[2:], stdout, stderr)
	case "txn":
		return handleTxn(args[2:], stdout, stderr)
	case "pack":
		return handlePack(args[2:], stdout, stderr)
	case "ledger":
		return handleLedger(args[2:], stdout, stderr)
	case "consent":
		return handleConsent(args[2:], stdout, stderr)
	case "check":
		return handleCheck(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handlePay(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
	user := fs.String("user", "", "user id (required)")
	merchant := fs.String("merchant", "", "merchant VPA (required)")
	amount := fs.Float64("amount", 0, "amount in INR (required)")
	agent := fs.String("agent", "payguard-cli", "agent id")
	consentToken := fs.String("consent", "", "consent token for the payment")
	token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *user == "" || *merchant == "" || *amount <= 0 {
		fmt.Fprintln(stderr, "pay requires --user --merchant --amount")
		fs.Usage()
		return 2
	}

	body := map[string]any{
		"user_id":  *user,
		"agent_id": *agent,
		"intent": map[string]any{
			"intent_type":      string(schema.IntentPayment),
			"amount":           *amount,
			"currency":         schema.CurrencyINR,
			"merchant_vpa":     *merchant,
			"confidence_score": 1.0,
		},
	}
	if *consentToken != "" {
		body["consent_token"] = *consentToken
	}

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/payments", body, *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		TransactionID   string  `json:"transaction_id"`
		Decision        string  `json:"decision"`
		State           string  `json:"state"`
		Reason          string  `json:"reason"`
		RiskScore       float64 `json:"risk_score"`
		ReferenceNumber string  `json:"reference_number"`
		Error           string  `json:"error"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if status >= http.StatusInternalServerError {
		fmt.Fprintf(stderr, "pay failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	fmt.Fprintf(stdout, "decision=%s state=%s risk=%.2f txn=%s\n", payload.Decision, payload.State, payload.RiskScore, payload.TransactionID)
	if payload.ReferenceNumber != "" {
		fmt.Fprintf(stdout, "reference=%s\n", payload.ReferenceNumber)
	}
	if payload.Reason != "" {
		fmt.Fprintf(stdout, "reason=%s\n", payload.Reason)
	}
	if payload.Error != "" {
		fmt.Fprintf(stdout, "error=%s\n", payload.Error)
		return 1
	}
	return 0
}

func handleTxn(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("txn", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
	token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "txn requires <transaction_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *addr+"/v1/transactions/"+fs.Arg(0), *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "txn failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	_, _ = stdout.Write(respBody)
	return 0
}

func handlePack(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
	outPath := fs.String("out", "payguard-pack.zip", "output zip path")
	token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "pack requires <transaction_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *addr+"/v1/transactions/"+fs.Arg(0)+"/pack", *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "pack failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if dir := filepath.Dir(*outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintln(stderr, "output dir:", err)
			return 1
		}
	}
	if err := os.WriteFile(*outPath, respBody, 0o600); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *outPath)
	return 0
}

func handleLedger(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("ledger validate", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
		token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}

		respBody, _, err := httpGet(http.DefaultClient, *addr+"/v1/ledger/validate", *token)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}

		var payload struct {
			IsValid      bool   `json:"is_valid"`
			TotalEntries int    `json:"total_entries"`
			BrokenAt     *int   `json:"broken_at"`
			Error        string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &payload); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
		if payload.IsValid {
			fmt.Fprintf(stdout, "valid=true entries=%d\n", payload.TotalEntries)
			return 0
		}
		if payload.BrokenAt != nil {
			fmt.Fprintf(stdout, "valid=false broken_at=%d error=%s\n", *payload.BrokenAt, payload.Error)
		} else {
			fmt.Fprintf(stdout, "valid=false error=%s\n", payload.Error)
		}
		return 1
	case "recent":
		fs := flag.NewFlagSet("ledger recent", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
		limit := fs.Int("limit", 20, "max entries")
		token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}

		url := fmt.Sprintf("%s/v1/ledger/recent?limit=%d", *addr, *limit)
		respBody, status, err := httpGet(http.DefaultClient, url, *token)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "ledger recent failed: %s\n", strings.TrimSpace(string(respBody)))
			return 1
		}
		_, _ = stdout.Write(respBody)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handleConsent(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("consent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("PAYGUARD_ADDR", defaultAddr), "gateway address")
	user := fs.String("user", "", "user id (required)")
	merchant := fs.String("merchant", "", "merchant VPA (required)")
	maxAmount := fs.Float64("max-amount", 0, "maximum amount covered (required)")
	agent := fs.String("agent", "payguard-cli", "agent id the grant is addressed to")
	token := fs.String("token", os.Getenv("PAYGUARD_DEV_TOKEN"), "bearer token")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *user == "" || *merchant == "" || *maxAmount <= 0 {
		fmt.Fprintln(stderr, "consent requires --user --merchant --max-amount")
		fs.Usage()
		return 2
	}

	body := map[string]any{
		"user_id":  *user,
		"agent_id": *agent,
		"scope": map[string]any{
			"merchant_vpa": *merchant,
			"max_amount":   *maxAmount,
			"currency":     schema.CurrencyINR,
			"action":       "payment",
		},
	}

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/consent", body, *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusCreated {
		fmt.Fprintf(stderr, "consent failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	var payload struct {
		Token     string `json:"token"`
		GrantID   string `json:"grant_id"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "grant_id=%s expires_at=%s\n", payload.GrantID, payload.ExpiresAt)
	fmt.Fprintf(stdout, "%s\n", payload.Token)
	return 0
}

// handleCheck evaluates the policy layers locally against the seeded demo
// contexts, without a running gateway. Useful for poking at rule behavior.
func handleCheck(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "user_normal", "seeded user id")
	merchant := fs.String("merchant", "", "merchant VPA (required)")
	amount := fs.Float64("amount", 0, "amount in INR (required)")
	raw := fs.String("raw", "", "raw input text to screen")
	confidence := fs.Float64("confidence", 1.0, "interpreter confidence")
	jsonOut := fs.Bool("json", false, "print raw JSON output")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *merchant == "" || *amount <= 0 {
		fmt.Fprintln(stderr, "check requires --merchant --amount")
		fs.Usage()
		return 2
	}

	intent := schema.NewIntent(schema.IntentPayment)
	intent.Amount = *amount
	intent.MerchantVPA = *merchant
	intent.Confidence = *confidence
	intent.RawInput = *raw

	contexts := ctxdata.NewSeededProvider()
	ctx := context.Background()
	userCtx, err := contexts.UserContext(ctx, *user)
	if err != nil {
		fmt.Fprintf(stderr, "unknown user %q\n", *user)
		return 1
	}
	merchantCtx, _ := contexts.MerchantContext(ctx, *merchant)

	result := policy.NewEngine(policy.Config{}).Evaluate(intent, userCtx, merchantCtx)

	if *jsonOut {
		out, _ := json.MarshalIndent(result, "", "  ")
		_, _ = stdout.Write(append(out, '\n'))
		return 0
	}

	fmt.Fprintf(stdout, "decision=%s risk=%.2f\n", result.Decision, result.RiskScore)
	fmt.Fprintf(stdout, "reason=%s\n", result.Reason)
	for _, v := range result.Violations {
		fmt.Fprintf(stdout, "violation rule=%s severity=%s message=%s\n", v.RuleName, v.Severity, v.Message)
	}
	if result.Decision == policy.DecisionApprove {
		return 0
	}
	return 1
}

func httpGet(client *http.Client, url string, token string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func httpPost(client *http.Client, url string, payload any, token string) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Payguard CLI

Usage:
  payguard pay --user ID --merchant VPA --amount N [--agent ID] [--consent TOKEN] [--addr URL] [--token TOKEN] [--json]
  payguard txn <transaction_id> [--addr URL] [--token TOKEN]
  payguard pack <transaction_id> --out payguard-pack.zip [--addr URL] [--token TOKEN]
  payguard ledger validate [--addr URL] [--token TOKEN]
  payguard ledger recent [--limit N] [--addr URL] [--token TOKEN]
  payguard consent --user ID --merchant VPA --max-amount N [--agent ID] [--addr URL] [--token TOKEN]
  payguard check --merchant VPA --amount N [--user ID] [--raw TEXT] [--confidence F] [--json]
`)
}
