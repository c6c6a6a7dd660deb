package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/proofshot/models"
)

// client talks to a running proofshot API.
type client struct {
	apiURL string
	apiKey string
	http   *http.Client
	poll   time.Duration
}

func main() {
	apiURL := os.Getenv("PROOFSHOT_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PROOFSHOT_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "PROOFSHOT_API_KEY is required")
		os.Exit(1)
	}

	c := &client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Minute},
		poll:   2 * time.Second,
	}
	if err := server.ServeStdio(newServer(c)); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(c *client) *server.MCPServer {
	s := server.NewMCPServer(
		"proofshot",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	captureTool := mcp.NewTool("capture_evidence",
		mcp.WithDescription("Open a web page in a real browser, find a text fragment on it and return a screenshot of the region around it as evidence. Cookie banners and overlays are removed first."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The page URL"),
		),
		mcp.WithString("target_text",
			mcp.Required(),
			mcp.Description("The text fragment that must appear on the page"),
		),
		mcp.WithString("request_id",
			mcp.Description("Optional caller-chosen ID for the evidence record"),
		),
	)
	s.AddTool(captureTool, c.handleCapture)

	batchTool := mcp.NewTool("batch_capture",
		mcp.WithDescription("Capture evidence for several (url, target_text) pairs. Waits for the batch to finish and returns one status line per item."),
		mcp.WithArray("items",
			mcp.Required(),
			mcp.Description("List of {url, target_text, request_id?} objects"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":         map[string]any{"type": "string"},
					"target_text": map[string]any{"type": "string"},
					"request_id":  map[string]any{"type": "string"},
				},
				"required": []string{"url", "target_text"},
			}),
		),
	)
	s.AddTool(batchTool, c.handleBatch)

	getTool := mcp.NewTool("get_evidence",
		mcp.WithDescription("Fetch a stored evidence record and its screenshot by request ID."),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("The request ID returned by capture_evidence"),
		),
	)
	s.AddTool(getTool, c.handleGet)

	return s
}

// do sends a request to the API and returns the response body.
func (c *client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *client) handleCapture(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("url is required"), nil
	}
	text, err := request.RequireString("target_text")
	if err != nil {
		return mcp.NewToolResultError("target_text is required"), nil
	}

	_, body, err := c.do(ctx, http.MethodPost, "/api/v1/capture", models.CaptureRequest{
		URL:        url,
		TargetText: text,
		RequestID:  request.GetString("request_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return c.evidenceResult(ctx, body)
}

func (c *client) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	_, body, err := c.do(ctx, http.MethodGet, "/api/v1/evidence/"+id, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return c.evidenceResult(ctx, body)
}

// evidenceResult turns a CaptureResponse body into a tool result, attaching
// the PNG when one was captured.
func (c *client) evidenceResult(ctx context.Context, body []byte) (*mcp.CallToolResult, error) {
	var resp models.CaptureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}
	if resp.Error != nil {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)), nil
	}
	if resp.Evidence == nil {
		return mcp.NewToolResultError("response carried no evidence"), nil
	}

	summary := summarize(resp.Evidence)
	if !resp.Success {
		return mcp.NewToolResultError(summary), nil
	}

	status, img, err := c.do(ctx, http.MethodGet, resp.ImageURL, nil)
	if err != nil || status != http.StatusOK {
		return mcp.NewToolResultText(summary + "\n(image unavailable)"), nil
	}
	return mcp.NewToolResultImage(summary, base64.StdEncoding.EncodeToString(img), "image/png"), nil
}

func (c *client) handleBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := request.GetArguments()["items"]
	if !ok {
		return mcp.NewToolResultError("items is required"), nil
	}
	var items []models.CaptureRequest
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &items); err != nil || len(items) == 0 {
		return mcp.NewToolResultError("items must be a non-empty array of {url, target_text} objects"), nil
	}

	status, body, err := c.do(ctx, http.MethodPost, "/api/v1/batch", models.BatchRequest{Items: items})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if status != http.StatusAccepted {
		var resp models.CaptureResponse
		if json.Unmarshal(body, &resp) == nil && resp.Error != nil {
			return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("batch rejected with HTTP %d", status)), nil
	}
	var started models.BatchResponse
	if err := json.Unmarshal(body, &started); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}

	done, err := c.pollBatch(ctx, started.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch %s: %v", started.ID, err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s: %s (%d/%d)\n", done.ID, done.Status, done.Completed, done.Total)
	for _, rec := range done.Results {
		fmt.Fprintf(&sb, "\n%s\n", summarize(rec))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// pollBatch polls the batch endpoint until status is no longer "processing"
// or ctx ends.
func (c *client) pollBatch(ctx context.Context, id string) (*models.BatchStatusResponse, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		_, body, err := c.do(ctx, http.MethodGet, "/api/v1/batch/"+id, nil)
		if err != nil {
			return nil, err
		}
		var st models.BatchStatusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("parse poll status: %w", err)
		}
		if st.Status != "processing" && st.Status != "" {
			return &st, nil
		}
	}
}

func summarize(rec *models.EvidenceRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\nURL: %s\nText: %s\nStatus: %s\n", rec.RequestID, rec.URL, rec.TargetText, rec.Status)
	if rec.Status == models.StatusCaptured {
		fmt.Fprintf(&sb, "Engine: %s\nSelector: %s\n", rec.Engine, rec.Selector)
	}
	labels := make([]string, 0, len(rec.Attempts))
	for _, a := range rec.Attempts {
		kind := string(a.Kind)
		if kind == "" {
			kind = "ok"
		}
		labels = append(labels, a.Label()+"="+kind)
	}
	if len(labels) > 0 {
		fmt.Fprintf(&sb, "Attempts: %s\n", strings.Join(labels, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}
