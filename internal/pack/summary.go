package pack

import (
	"bytes"
	"html/template"
	"strings"
)

// Summary is the one-page view of a transaction's audit trail.
type Summary struct {
	Schema         string  `json:"schema"`
	TransactionID  string  `json:"transaction_id"`
	UserID         string  `json:"user_id"`
	MerchantVPA    string  `json:"merchant_vpa"`
	Amount         float64 `json:"amount"`
	State          string  `json:"state"`
	IntentHash     string  `json:"intent_hash"`
	ApprovalHash   string  `json:"approval_hash,omitempty"`
	ExecutionHash  string  `json:"execution_hash,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	EntryCount     int     `json:"entry_count"`
	ChainValid     bool    `json:"chain_valid"`
	TransactionURL string  `json:"transaction_url,omitempty"`
	LedgerURL      string  `json:"ledger_url,omitempty"`
}

const SummarySchema = "payguard.pack_summary.v1"

func BuildSummary(input Input, baseURL string) (Summary, []byte, error) {
	s := Summary{
		Schema:        SummarySchema,
		TransactionID: input.Record.TransactionID,
		UserID:        input.Record.UserID,
		MerchantVPA:   input.Record.MerchantVPA,
		Amount:        input.Record.Amount,
		State:         string(input.Record.State),
		IntentHash:    input.Record.IntentHash,
		ApprovalHash:  input.Record.ApprovalHash,
		ExecutionHash: input.Record.ExecutionHash,
		ErrorMessage:  input.Record.ErrorMessage,
		EntryCount:    len(input.Entries),
		ChainValid:    input.Chain.IsValid,
	}

	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		s.TransactionURL = base + "/v1/transactions/" + s.TransactionID
		s.LedgerURL = base + "/v1/ledger/transactions/" + s.TransactionID
	}

	htmlBytes, err := renderSummaryHTML(s)
	if err != nil {
		return Summary{}, nil, err
	}
	return s, htmlBytes, nil
}

var summaryHTMLTmpl = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Payguard Audit Pack</title>
  <style>
    body{font-family:ui-sans-serif,system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial; margin:24px; color:#0f172a}
    .card{max-width:920px; border:1px solid #e2e8f0; border-radius:12px; padding:18px 18px; box-shadow:0 1px 2px rgba(0,0,0,.04)}
    .row{display:flex; flex-wrap:wrap; gap:12px}
    .pill{display:inline-block; padding:4px 10px; border-radius:999px; font-size:12px; background:#f1f5f9}
    .pill.bad{background:#fee2e2}
    code{background:#f1f5f9; padding:2px 6px; border-radius:6px}
    .k{width:220px; font-size:12px; color:#475569}
    .v{font-size:13px}
    .kv{display:flex; gap:12px; padding:6px 0; border-bottom:1px dashed #e2e8f0}
    .kv:last-child{border-bottom:none}
    a{color:#2563eb; text-decoration:none}
    a:hover{text-decoration:underline}
  </style>
</head>
<body>
  <div class="card">
    <div class="row" style="margin:0 0 12px 0">
      <span class="pill">State: {{.State}}</span>
      <span class="pill{{if not .ChainValid}} bad{{end}}">Chain: {{if .ChainValid}}valid{{else}}BROKEN{{end}}</span>
      <span class="pill">Transaction: <code>{{.TransactionID}}</code></span>
    </div>
    <div class="kv"><div class="k">User</div><div class="v"><code>{{.UserID}}</code></div></div>
    <div class="kv"><div class="k">Merchant</div><div class="v"><code>{{.MerchantVPA}}</code></div></div>
    <div class="kv"><div class="k">Amount</div><div class="v">{{.Amount}} INR</div></div>
    <div class="kv"><div class="k">Intent Hash</div><div class="v"><code>{{.IntentHash}}</code></div></div>
    <div class="kv"><div class="k">Approval Hash</div><div class="v">{{if .ApprovalHash}}<code>{{.ApprovalHash}}</code>{{else}}n/a{{end}}</div></div>
    <div class="kv"><div class="k">Execution Hash</div><div class="v">{{if .ExecutionHash}}<code>{{.ExecutionHash}}</code>{{else}}n/a{{end}}</div></div>
    <div class="kv"><div class="k">Error</div><div class="v">{{if .ErrorMessage}}{{.ErrorMessage}}{{else}}none{{end}}</div></div>
    <div class="kv"><div class="k">Ledger Entries</div><div class="v">{{.EntryCount}}</div></div>
    <div class="kv"><div class="k">Links</div><div class="v">{{if .TransactionURL}}<a href="{{.TransactionURL}}">{{.TransactionURL}}</a>{{end}} {{if .LedgerURL}}<br/><a href="{{.LedgerURL}}">{{.LedgerURL}}</a>{{end}}</div></div>
  </div>
</body>
</html>`))

func renderSummaryHTML(s Summary) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := summaryHTMLTmpl.Execute(buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
