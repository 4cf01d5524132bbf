// Package llm writes the narrative part of a daily report with Gemini and
// falls back to a template when the provider is unavailable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"branchanalytics/confidence"
	"branchanalytics/errs"
)

// Providers recorded on an analysis.
const (
	ProviderGemini   = "gemini"
	ProviderFallback = "template"
)

// Analysis is the generated text and the recommendations parsed from it.
type Analysis struct {
	Text            string   `json:"analysis"`
	Recommendations []string `json:"recommendations"`
	Provider        string   `json:"provider"`
	Fallback        bool     `json:"fallback"`
	Error           string   `json:"error,omitempty"`
}

// Analyzer produces an analysis for one report.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini calls a Gemini model with the report system prompt.
type Gemini struct {
	client *genai.Client
	model  generator
	logger *zap.Logger
}

// NewGemini opens a client for apiKey. Close releases it.
func NewGemini(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}
	m := client.GenerativeModel(modelName)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(SystemPrompt)}}
	m.SetTemperature(0.2)
	return &Gemini{client: client, model: m, logger: logger.Named("llm")}, nil
}

func newGemini(g generator, logger *zap.Logger) *Gemini {
	return &Gemini{model: g, logger: logger.Named("llm")}
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Analyze asks the model for the report text, removes model names and makes
// sure every anomalous feature is listed.
func (g *Gemini) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	prompt, err := UserPrompt(req)
	if err != nil {
		return nil, errs.Internal("build prompt", err)
	}
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, errs.Upstream("gemini", err)
	}
	text := responseText(resp)
	if text == "" {
		return nil, errs.Upstream("gemini", errors.New("empty response"))
	}
	text = Sanitize(text)
	recs := confidence.ExtractRecommendations(recommendationSection(text))
	text = EnsureFeatures(text, req.AnomalousFeatures)
	g.logger.Debug("analysis generated", zap.Int("branch_id", req.BranchID), zap.String("report_date", req.Date), zap.Int("chars", len(text)))
	return &Analysis{
		Text:            text,
		Recommendations: recs,
		Provider:        ProviderGemini,
	}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}

// recommendationSection returns the text after the last recommendations
// heading, or the whole text when there is none.
func recommendationSection(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.ToLower(lines[i])
		if strings.Contains(l, "khuyến nghị") || strings.Contains(l, "recommendation") {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return text
}

// WithFallback returns the analysis of a, or the template analysis when a is
// nil or fails. The failure is kept on the result.
func WithFallback(ctx context.Context, a Analyzer, req Request, logger *zap.Logger) *Analysis {
	if a == nil {
		return Fallback(req)
	}
	res, err := a.Analyze(ctx, req)
	if err == nil {
		return res
	}
	logger.Warn("analysis failed, using template", zap.Int("branch_id", req.BranchID), zap.String("report_date", req.Date), zap.Error(err))
	fb := Fallback(req)
	fb.Error = err.Error()
	return fb
}
