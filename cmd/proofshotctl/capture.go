package main

import (
	"fmt"
	"os"

	"github.com/use-agent/proofshot/models"
)

// Run executes the capture command.
func (c *CaptureCmd) Run(deps *Dependencies) error {
	out, err := deps.Service.CaptureOne(deps.Ctx, models.CaptureRequest{
		URL:        c.URL,
		TargetText: c.Text,
		RequestID:  c.RequestID,
	}, 0)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "error: %v\n", err)
		return err
	}

	printRecord(deps, out.Record)
	if out.Record.Status != models.StatusCaptured {
		return fmt.Errorf("%s: no evidence captured for %s", models.KindExhausted, c.URL)
	}
	if c.Out != "" {
		img, err := deps.Service.Image(deps.Ctx, out.Record.RequestID)
		if err != nil {
			return fmt.Errorf("failed to load image: %w", err)
		}
		if err := os.WriteFile(c.Out, img, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", c.Out, err)
		}
		fmt.Fprintf(deps.Stdout, "Wrote %s\n", c.Out)
	}
	return nil
}

// printRecord writes a one-record summary followed by the attempt history.
func printRecord(deps *Dependencies, rec *models.EvidenceRecord) {
	fmt.Fprintf(deps.Stdout, "%s\t%s\t%s\n", rec.RequestID, rec.Status, rec.URL)
	if rec.Status == models.StatusCaptured {
		fmt.Fprintf(deps.Stdout, "  engine:   %s\n", rec.Engine)
		fmt.Fprintf(deps.Stdout, "  selector: %s\n", rec.Selector)
		if r := rec.Region; r != nil {
			fmt.Fprintf(deps.Stdout, "  region:   %.0fx%.0f at (%.0f,%.0f)\n", r.Width, r.Height, r.X, r.Y)
		}
	}
	for _, a := range rec.Attempts {
		kind := string(a.Kind)
		if kind == "" {
			kind = "ok"
		}
		fmt.Fprintf(deps.Stdout, "  attempt:  %s %s\n", a.Label(), kind)
	}
}
