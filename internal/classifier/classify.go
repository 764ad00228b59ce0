package classifier

import (
	"context"
	"fmt"
	"strings"

	"enforcer/internal/services"
)

// Label is the model's verdict on a candidate.
type Label string

const (
	LabelConfirmed Label = "confirmed"
	LabelLikely    Label = "likely"
	LabelRejected  Label = "rejected"
)

// Input describes one discovered URL to classify.
type Input struct {
	ProductName string
	URL         string
	Domain      string
	Platform    string
	Category    string
	Title       string
	Snippet     string
	// ConfidenceContext is the precision summary for the candidate's category.
	ConfidenceContext string
}

// Result is a parsed classification.
type Result struct {
	Label      Label   `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Severity   float64 `json:"severity"`
	Reason     string  `json:"reason"`
}

// Infringing reports whether the result should become an infringement record.
func (r Result) Infringing() bool {
	return r.Label == LabelConfirmed || r.Label == LabelLikely
}

const systemPrompt = `You review URLs found by a piracy scanner for a digital product.
Decide whether the page distributes or sells unauthorized copies of the product.

Respond with JSON only:
{"verdict": "confirmed" | "likely" | "rejected", "confidence": 0.0-1.0, "severity": 0-100, "reason": "one sentence"}

Use "confirmed" only when the page clearly offers the product itself.
Use "likely" when the evidence points to infringement but is incomplete.
Use "rejected" for reviews, news, legitimate stores and unrelated pages.
Severity reflects reach and commercial harm: 0 is negligible, 100 is a large commercial operation.
When the historical accuracy notes say a category is often wrong, require stronger evidence.`

// Completer sends a JSON chat completion.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMClassifier classifies candidates through a chat completion model.
type LLMClassifier struct {
	completer Completer
}

// NewLLMClassifier wraps completer.
func NewLLMClassifier(completer Completer) *LLMClassifier {
	return &LLMClassifier{completer: completer}
}

// Classify asks the model for a verdict on in.
func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	if c == nil || c.completer == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "classifier", "classify", "classifier not configured", nil)
	}
	if strings.TrimSpace(in.URL) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "classifier", "classify", "candidate url required", nil)
	}
	raw, err := c.completer.CompleteJSON(ctx, systemPrompt, BuildPrompt(in))
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := DecodeJSON(raw, &result); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "classifier", "decode", "unparseable model response", err)
	}
	return normalize(result)
}

// BuildPrompt renders the user prompt for in.
func BuildPrompt(in Input) string {
	var b strings.Builder
	if in.ProductName != "" {
		fmt.Fprintf(&b, "Product: %s\n", in.ProductName)
	}
	fmt.Fprintf(&b, "URL: %s\n", strings.TrimSpace(in.URL))
	writeField(&b, "Domain", in.Domain)
	writeField(&b, "Platform", in.Platform)
	writeField(&b, "Detection category", in.Category)
	writeField(&b, "Page title", in.Title)
	writeField(&b, "Snippet", in.Snippet)
	if ctx := strings.TrimSpace(in.ConfidenceContext); ctx != "" {
		b.WriteString("\nHistorical accuracy notes:\n")
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", name, value)
}

func normalize(r Result) (Result, error) {
	r.Label = Label(strings.ToLower(strings.TrimSpace(string(r.Label))))
	switch r.Label {
	case LabelConfirmed, LabelLikely, LabelRejected:
	default:
		return Result{}, services.Wrap(services.ErrTransient, "classifier", "decode",
			fmt.Sprintf("unknown verdict %q", r.Label), nil)
	}
	r.Confidence = clamp(r.Confidence, 0, 1)
	r.Severity = clamp(r.Severity, 0, 100)
	r.Reason = strings.TrimSpace(r.Reason)
	return r, nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
