package main

import (
	"context"
	"io"
	"time"

	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/models"
)

// EvidenceService is the part of *evidence.Service the commands use.
type EvidenceService interface {
	CaptureOne(ctx context.Context, req models.CaptureRequest, maxAge time.Duration) (*evidence.Outcome, error)
	CaptureBatch(ctx context.Context, jobID string, items []models.CaptureRequest, hookURL string) ([]*models.EvidenceRecord, error)
	Get(ctx context.Context, id string) (*models.EvidenceRecord, error)
	Image(ctx context.Context, id string) ([]byte, error)
}

// Dependencies holds all services and configuration for command execution.
type Dependencies struct {
	Ctx     context.Context
	Stdout  io.Writer
	Stderr  io.Writer
	Service EvidenceService
}

// CLI defines the command-line interface structure for Kong.
type CLI struct {
	Verbose bool `short:"v" help:"Log capture progress to stderr"`

	Capture CaptureCmd `cmd:"" help:"Capture evidence for one URL and text fragment"`
	Batch   BatchCmd   `cmd:"" help:"Capture evidence for every line of a JSON Lines file"`
	Show    ShowCmd    `cmd:"" help:"Show a stored evidence record"`
}

// CaptureCmd is the "capture" subcommand.
type CaptureCmd struct {
	URL       string `arg:"" help:"Page URL"`
	Text      string `arg:"" help:"Text fragment that must appear on the page"`
	RequestID string `name:"id" help:"Request ID (default: random UUID)"`
	Out       string `short:"o" type:"path" help:"Write the PNG to this file"`
}

// BatchCmd is the "batch" subcommand.
type BatchCmd struct {
	File   string `arg:"" type:"existingfile" help:"JSON Lines file of {\"url\",\"target_text\",\"request_id\"} objects"`
	OutDir string `short:"o" type:"path" help:"Write one <request_id>.png per captured item into this directory"`
}

// ShowCmd is the "show" subcommand.
type ShowCmd struct {
	ID  string `arg:"" help:"Request ID"`
	Out string `short:"o" type:"path" help:"Write the PNG to this file"`
}
