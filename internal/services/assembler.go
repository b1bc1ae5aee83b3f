package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestAssembler writes the ordered page list of a run as a JSON manifest
// below the output location. A downstream renderer produces the document bytes.
type ManifestAssembler struct {
	// KeyPrefix is prepended to output keys, e.g. "final-pdfs/".
	KeyPrefix string
}

type manifest struct {
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	PageCount   int             `json:"page_count"`
	Request     AssembleRequest `json:"request"`
}

// OutputKey is the object key of the manifest written for runID.
func (a ManifestAssembler) OutputKey(runID string) string {
	prefix := a.KeyPrefix
	if prefix == "" {
		prefix = "final-pdfs/"
	}
	return prefix + runID + ".json"
}

func (a ManifestAssembler) Assemble(ctx context.Context, req AssembleRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := a.OutputKey(req.RunID)
	dest := filepath.Join(req.OutputLocation, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	body, err := json.MarshalIndent(manifest{
		RunID:       req.RunID,
		GeneratedAt: time.Now().UTC(),
		PageCount:   len(req.Pages),
		Request:     req,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}
	return key, nil
}
