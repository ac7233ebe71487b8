package conflict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/telemetry"
)

const (
	defaultAssistModel   = "claude-haiku-4-5-20251001"
	assistMaxTokens      = 4096
	assistMaxRetries     = 3
	assistInitialBackoff = 1 * time.Second

	// Files larger than this are left to the deterministic strategies.
	assistMaxContentBytes = 32 * 1024
)

// ErrNoAPIKey is returned when the assisted strategy is requested but no
// Anthropic API key is configured.
var ErrNoAPIKey = errors.New("anthropic API key required")

// AssistedMerge asks a model for a whole-file resolution. It sits at the
// end of the chain, so its candidates rank alongside the deterministic
// ones; nothing applies them without an explicit apply.
type AssistedMerge struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
	log            *logging.Logger
}

// NewAssistedMerge creates the model-backed strategy. Env var
// ANTHROPIC_API_KEY takes precedence over the explicit apiKey; with
// neither set it returns ErrNoAPIKey and the chain stays deterministic.
func NewAssistedMerge(apiKey string, log *logging.Logger) (*AssistedMerge, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if log == nil {
		log = logging.Nop()
	}
	assistMetricsOnce.Do(initAssistMetrics)
	return &AssistedMerge{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(defaultAssistModel),
		maxRetries:     assistMaxRetries,
		initialBackoff: assistInitialBackoff,
		log:            log,
	}, nil
}

func (a *AssistedMerge) Name() string { return "assisted" }

// Applicable accepts anything with regions that fits the token budget.
func (a *AssistedMerge) Applicable(fc *FileConflict) bool {
	return len(fc.Regions) > 0 && len(fc.Content) <= assistMaxContentBytes
}

func (a *AssistedMerge) Resolve(ctx context.Context, fc *FileConflict) (string, string, error) {
	prompt := buildAssistPrompt(fc)
	resp, err := a.callWithRetry(ctx, prompt)
	if err != nil {
		return "", "", err
	}

	content := stripCodeFence(resp)
	if CountMarkers(content) > 0 {
		return "", "", fmt.Errorf("model response still contains conflict markers")
	}
	explanation := fmt.Sprintf("model-proposed resolution (%s); review before applying", a.model)
	return content, explanation, nil
}

func (a *AssistedMerge) Risks(_ *FileConflict) []string {
	return []string{
		"model output is only checked for leftover markers and syntax; behavior changes can slip through",
		"the resolution may interleave both sides in ways neither author wrote",
	}
}

// assistMetrics holds lazily-initialized OTel instruments for Anthropic API calls.
var assistMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var assistMetricsOnce sync.Once

func initAssistMetrics() {
	m := telemetry.Meter("github.com/steveyegge/switchyard/ai")
	assistMetrics.inputTokens, _ = m.Int64Counter("sy.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	assistMetrics.outputTokens, _ = m.Int64Counter("sy.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	assistMetrics.duration, _ = m.Float64Histogram("sy.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (a *AssistedMerge) callWithRetry(ctx context.Context, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/steveyegge/switchyard/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("sy.ai.model", string(a.model)),
		attribute.String("sy.ai.operation", "resolve_conflict"),
	)

	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: assistMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("sy.ai.model", string(a.model))
			if assistMetrics.inputTokens != nil {
				assistMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				assistMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				assistMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("sy.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("sy.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("sy.ai.attempts", attempt+1),
			)

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !assistRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", a.maxRetries+1, lastErr)
}

func assistRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}

func buildAssistPrompt(fc *FileConflict) string {
	var b strings.Builder
	b.WriteString("You are resolving a git merge conflict. The file below contains conflict markers (<<<<<<<, =======, >>>>>>>).\n\n")
	fmt.Fprintf(&b, "File: %s\n\n", fc.FilePath)
	b.WriteString("```\n")
	b.WriteString(fc.Content)
	if !strings.HasSuffix(fc.Content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")
	b.WriteString("Output ONLY the complete resolved file content, with every conflict marker removed and both sides' intent preserved where they do not contradict. No commentary, no code fences.")
	return b.String()
}

// stripCodeFence unwraps a response the model wrapped in a markdown
// fence despite instructions.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}
