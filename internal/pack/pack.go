// Package pack assembles a self-contained audit archive for one transaction:
// the record, its ledger trail, the chain validation result and a summary,
// all checksummed so the archive can be handed to an auditor as-is.
package pack

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/route"
)

const PackSchema = "payguard.pack.v1"

// Input is everything a pack is built from.
type Input struct {
	Record    *route.TransactionRecord
	Entries   []ledger.Entry
	Chain     ledger.ValidationResult
	CreatedAt string
}

// Manifest indexes the archive contents.
type Manifest struct {
	Schema        string     `json:"schema"`
	CreatedAt     string     `json:"created_at"`
	TransactionID string     `json:"transaction_id"`
	UserID        string     `json:"user_id"`
	State         string     `json:"state"`
	EntryCount    int        `json:"entry_count"`
	ChainValid    bool       `json:"chain_valid"`
	Files         []PackFile `json:"files"`
}

type PackFile struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

func BuildZip(input Input, baseURL string) ([]byte, error) {
	files, err := BuildFiles(input, baseURL)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	if err := WriteZip(buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func BuildFiles(input Input, baseURL string) (map[string][]byte, error) {
	if input.Record == nil {
		return nil, fmt.Errorf("transaction record missing")
	}

	recordJSON, err := buildRecordJSON(input.Record, baseURL)
	if err != nil {
		return nil, err
	}
	entriesJSON, err := json.MarshalIndent(input.Entries, "", "  ")
	if err != nil {
		return nil, err
	}
	chainJSON, err := json.MarshalIndent(input.Chain, "", "  ")
	if err != nil {
		return nil, err
	}

	files := map[string][]byte{
		"transaction.json": append(recordJSON, '\n'),
		"entries.json":     append(entriesJSON, '\n'),
		"chain.json":       append(chainJSON, '\n'),
	}

	summary, summaryHTML, err := BuildSummary(input, baseURL)
	if err != nil {
		return nil, err
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, err
	}
	files["summary.json"] = append(summaryJSON, '\n')
	files["summary.html"] = append(summaryHTML, '\n')

	createdAt := input.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	manifest := Manifest{
		Schema:        PackSchema,
		CreatedAt:     createdAt,
		TransactionID: input.Record.TransactionID,
		UserID:        input.Record.UserID,
		State:         string(input.Record.State),
		EntryCount:    len(input.Entries),
		ChainValid:    input.Chain.IsValid,
		Files:         buildFileEntries(files),
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	files["manifest.json"] = append(manifestJSON, '\n')

	files["sha256sums.txt"] = buildChecksums(files)

	return files, nil
}

// buildRecordJSON re-encodes the record with links back to the live gateway
// when a base URL is known.
func buildRecordJSON(record *route.TransactionRecord, baseURL string) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}

	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		body["links"] = map[string]any{
			"transaction": base + "/v1/transactions/" + record.TransactionID,
			"ledger":      base + "/v1/ledger/transactions/" + record.TransactionID,
		}
	}

	return json.MarshalIndent(body, "", "  ")
}

func buildFileEntries(files map[string][]byte) []PackFile {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]PackFile, 0, len(names))
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		entries = append(entries, PackFile{
			Name:      name,
			SHA256:    "sha256:" + hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(files[name])),
		})
	}
	return entries
}

func buildChecksums(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		if name == "sha256sums.txt" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		_, _ = fmt.Fprintf(&buf, "sha256:%s  %s\n", hex.EncodeToString(sum[:]), name)
	}
	return buf.Bytes()
}

func WriteZip(w io.Writer, files map[string][]byte) error {
	writer := zip.NewWriter(w)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry, err := writer.Create(name)
		if err != nil {
			_ = writer.Close()
			return err
		}
		if _, err := entry.Write(files[name]); err != nil {
			_ = writer.Close()
			return err
		}
	}

	return writer.Close()
}
