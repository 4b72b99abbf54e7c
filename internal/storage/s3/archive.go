package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"sentinelops/internal/audit"
)

// Key layout under the configured prefix.
const (
	deadLetterDir = "dead-letters/"
	auditDir      = "audit/"
)

// AuditExport is the document written for an exported audit chain.
type AuditExport struct {
	IncidentID string        `json:"incident_id"`
	ExportedAt time.Time     `json:"exported_at"`
	Count      int           `json:"count"`
	HeadHash   string        `json:"head_hash"`
	Entries    []audit.Entry `json:"entries"`
}

// PutJSON uploads v as a JSON document at key.
func (c *Client) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("s3: failed to marshal %s: %w", key, err)
	}
	_, err = c.Upload(ctx, key, "application/json", data, nil)
	return err
}

// DeadLetterKey returns the key a dead letter for messageID is written to.
func DeadLetterKey(messageID string, failedAt time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", deadLetterDir, failedAt.UTC().Format("2006/01/02"), messageID)
}

// ListDeadLetters returns the keys of archived dead letters.
func (c *Client) ListDeadLetters(ctx context.Context, maxKeys int) ([]string, error) {
	return c.List(ctx, deadLetterDir, maxKeys)
}

// ExportAuditChain writes a gzip-compressed snapshot of an incident's chain
// and returns its key.
func (c *Client) ExportAuditChain(ctx context.Context, incidentID string, entries []audit.Entry) (string, error) {
	now := time.Now().UTC()
	doc := AuditExport{
		IncidentID: incidentID,
		ExportedAt: now,
		Count:      len(entries),
		HeadHash:   audit.GenesisHash(incidentID),
		Entries:    entries,
	}
	if len(entries) > 0 {
		doc.HeadHash = entries[len(entries)-1].Hash
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("s3: failed to marshal audit export: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return "", fmt.Errorf("s3: failed to compress audit export: %w", err)
	}

	key := auditExportKey(incidentID, now)
	if _, err := c.Upload(ctx, key, "application/gzip", compressed, map[string]string{
		"incident-id": incidentID,
		"head-hash":   doc.HeadHash,
	}); err != nil {
		return "", err
	}
	return key, nil
}

// RestoreAuditChain reads back an export written by ExportAuditChain.
func (c *Client) RestoreAuditChain(ctx context.Context, key string) (*AuditExport, error) {
	data, err := c.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress audit export: %w", err)
	}
	var doc AuditExport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("s3: failed to decode audit export: %w", err)
	}
	return &doc, nil
}

// ChainLister reads an incident's audit chain. *audit.Ledger implements it.
type ChainLister interface {
	List(ctx context.Context, incidentID string) ([]audit.Entry, error)
}

// ExportSink is an audit.Sink that exports an incident's full chain once it
// reaches a terminal state.
type ExportSink struct {
	client *Client
	chains ChainLister
	logger *slog.Logger
}

var _ audit.Sink = (*ExportSink)(nil)

// NewExportSink creates an export sink reading chains from chains.
func NewExportSink(client *Client, chains ChainLister, logger *slog.Logger) *ExportSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportSink{client: client, chains: chains, logger: logger.With("component", "audit-export")}
}

// Write implements audit.Sink.
func (s *ExportSink) Write(ctx context.Context, entry audit.Entry) error {
	if entry.Event != audit.EventTransition || !entry.ToState.IsTerminal() {
		return nil
	}
	entries, err := s.chains.List(ctx, entry.IncidentID)
	if err != nil {
		return fmt.Errorf("s3: failed to read chain for export: %w", err)
	}
	key, err := s.client.ExportAuditChain(ctx, entry.IncidentID, entries)
	if err != nil {
		return err
	}
	s.logger.Info("audit chain exported",
		"incident_id", entry.IncidentID,
		"entries", len(entries),
		"key", key,
	)
	return nil
}

func auditExportKey(incidentID string, at time.Time) string {
	safe := strings.NewReplacer("/", "_", " ", "_").Replace(incidentID)
	return fmt.Sprintf("%s%s/%d.json.gz", auditDir, safe, at.UnixNano())
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
