// Package claude implements the analysis summarizer on the Claude API.
package claude

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/escalate/internal/analysis"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const defaultMaxTokens = 2048

const systemPrompt = `You are an experienced SRE analyzing a production incident.
Given the incident details, telemetry gathered from monitoring systems and a
list of similar past incidents, produce a concise analysis with:
1. A probable root cause.
2. The observed impact.
3. Recommended next steps for the on-call engineer.
Be specific and reference the provided data. If the data is insufficient for a
confident conclusion, say so and state what is missing.`

// Summarizer calls the Claude messages API to summarize an incident context
// bundle.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// Option tunes the summarizer.
type Option func(*Summarizer)

// WithMaxTokens caps the response size.
func WithMaxTokens(n int64) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// New creates a Claude summarizer. Extra request options (base URL, HTTP
// client) are passed through to the SDK.
func New(apiKey, model string, opts []Option, reqOpts ...option.RequestOption) *Summarizer {
	if model == "" {
		model = DefaultModel
	}
	s := &Summarizer{
		client:    anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the configured model name.
func (s *Summarizer) Model() string {
	return s.model
}

// Summarize implements analysis.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, bundle *analysis.ContextBundle) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(bundle))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	var parts []string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			parts = append(parts, resp.Content[i].Text)
		}
	}
	summary := strings.TrimSpace(strings.Join(parts, ""))
	if summary == "" {
		return "", fmt.Errorf("claude returned no text content (stop reason %q)", resp.StopReason)
	}
	return summary, nil
}

// BuildPrompt renders the context bundle as the user message. Exported so the
// prompt shape is testable without an API round trip.
func BuildPrompt(bundle *analysis.ContextBundle) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident %s", bundle.IncidentID)
	if bundle.Title != "" {
		fmt.Fprintf(&b, ": %s", bundle.Title)
	}
	b.WriteString("\n")
	if bundle.Severity != "" {
		fmt.Fprintf(&b, "Severity: %s\n", bundle.Severity)
	}
	if bundle.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", bundle.Status)
	}
	if !bundle.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", bundle.StartedAt.Format(time.RFC3339))
	}
	if bundle.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", bundle.Description)
	}

	if len(bundle.Data) > 0 {
		names := make([]string, 0, len(bundle.Data))
		for name := range bundle.Data {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nTelemetry:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", name, string(bundle.Data[name]))
		}
	}

	var degraded []string
	for name, ok := range bundle.DataSources {
		if !ok {
			degraded = append(degraded, name)
		}
	}
	if len(degraded) > 0 {
		sort.Strings(degraded)
		fmt.Fprintf(&b, "\nUnavailable data sources: %s\n", strings.Join(degraded, ", "))
	}

	if len(bundle.Similar) > 0 {
		b.WriteString("\nSimilar past incidents:\n")
		for _, sim := range bundle.Similar {
			fmt.Fprintf(&b, "- %s: %s\n", sim.ID, sim.Summary)
		}
	}

	return b.String()
}
