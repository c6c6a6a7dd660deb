package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/use-agent/proofshot/models"
)

// Run executes the batch command.
func (c *BatchCmd) Run(deps *Dependencies) error {
	items, err := readItems(c.File)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "error: %v\n", err)
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%s contains no items", c.File)
	}

	recs, err := deps.Service.CaptureBatch(deps.Ctx, "cli-"+uuid.NewString(), items, "")
	if err != nil {
		fmt.Fprintf(deps.Stderr, "error: %v\n", err)
		return err
	}

	if c.OutDir != "" {
		if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", c.OutDir, err)
		}
	}

	captured := 0
	for _, rec := range recs {
		fmt.Fprintf(deps.Stdout, "%s\t%s\t%s\n", rec.RequestID, rec.Status, rec.URL)
		if rec.Status != models.StatusCaptured {
			continue
		}
		captured++
		if c.OutDir == "" {
			continue
		}
		img, err := deps.Service.Image(deps.Ctx, rec.RequestID)
		if err != nil {
			return fmt.Errorf("failed to load image %s: %w", rec.RequestID, err)
		}
		path := filepath.Join(c.OutDir, rec.RequestID+".png")
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	fmt.Fprintf(deps.Stdout, "Captured %d of %d\n", captured, len(recs))
	return nil
}

// readItems parses a JSON Lines file. Blank lines and lines starting with
// '#' are skipped.
func readItems(path string) ([]models.CaptureRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []models.CaptureRequest
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var item models.CaptureRequest
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		items = append(items, item)
	}
	return items, sc.Err()
}
