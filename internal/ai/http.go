package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// OpenAICompatAdvisor asks an OpenAI-compatible chat endpoint for retention
// advice. Responses are cached per (partner, date) so repeated coordinator
// clicks do not burn tokens.
type OpenAICompatAdvisor struct {
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
}

var (
	cacheMu    sync.Mutex
	cacheStore = map[string]cacheEntry{}
	cacheTTL   = 10 * time.Minute
)

type cacheEntry struct {
	value Advice
	exp   time.Time
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

func (a OpenAICompatAdvisor) Advise(ctx context.Context, snap models.HealthSnapshot) (Advice, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return Advice{}, fmt.Errorf("ASSISTANT_BASE_URL is not set")
	}
	if strings.TrimSpace(a.Model) == "" {
		return Advice{}, fmt.Errorf("ASSISTANT_MODEL is not set")
	}

	key := snap.PartnerID + "|" + snap.Metrics.ComputedDate.Format("2006-01-02")
	if v, ok := cacheGet(key); ok {
		return v, nil
	}

	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature,omitempty"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
		Messages    []msg   `json:"messages"`
	}{
		Model:     a.Model,
		MaxTokens: a.MaxTokens,
		Messages: []msg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(snap)},
		},
	}

	b, _ := json.Marshal(payload)
	url := strings.TrimRight(a.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Advice{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(a.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	timeout := 45 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Advice{}, fmt.Errorf("advisor request timed out")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Advice{}, fmt.Errorf("advisor request timed out")
		}
		return Advice{}, fmt.Errorf("advisor request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			if d := extractRetryAfter(errBody); d > 0 {
				return Advice{}, RateLimitError{RetryAfter: d}
			}
			return Advice{}, RateLimitError{}
		}
		return Advice{}, fmt.Errorf("advisor http error: %s: %v", resp.Status, errBody)
	}

	var res struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Advice{}, err
	}
	if len(res.Choices) == 0 {
		return Advice{}, fmt.Errorf("empty advisor response")
	}

	advice, err := parseAdvice(res.Choices[0].Message.Content)
	if err != nil {
		return Advice{}, err
	}
	advice.ModelVersion = a.Model
	advice.CreatedAt = time.Now().UTC()
	cacheSet(key, advice)
	return advice, nil
}

const systemPrompt = `You are a partner retention specialist for an occupational health
and safety service network. You are given activity metrics for one external
partner (physician or safety engineer) flagged as a churn risk.
Reply with a single JSON object with the keys "analysis" (2-3 sentences),
"recommended_action" (one of: call, meeting, email, whatsapp, bonus, workload),
"urgency" (one of: high, medium, low) and "outreach_message" (a short, warm
message the coordinator can send as-is). No other text.`

func buildPrompt(snap models.HealthSnapshot) string {
	m := snap.Metrics
	r := snap.Result
	var b strings.Builder
	fmt.Fprintf(&b, "Partner: %s\n", snap.PartnerName)
	fmt.Fprintf(&b, "Churn risk score: %.1f (%s, trend %s)\n", r.ChurnRiskScore, r.RiskLevel, r.RiskTrend)
	fmt.Fprintf(&b, "Completed visits last 30 days: %d (previous 30 days: %d)\n", m.VisitsLast30d, m.VisitsPrevious30d)
	fmt.Fprintf(&b, "Declined %d of %d assigned visits\n", m.VisitsDeclined30d, m.VisitsAssigned30d)
	fmt.Fprintf(&b, "Days since last visit: %d, since last login: %d\n", m.DaysSinceLastVisit, m.DaysSinceLastLogin)
	fmt.Fprintf(&b, "Payment complaints (90d): %d, negative feedback (90d): %d\n", m.PaymentComplaints, m.NegativeFeedbackCount)
	return b.String()
}

// parseAdvice tolerates models that wrap the JSON in a code fence.
func parseAdvice(content string) (Advice, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	var advice Advice
	if err := json.Unmarshal([]byte(content), &advice); err != nil {
		return Advice{}, fmt.Errorf("malformed advisor response: %w", err)
	}
	if advice.RecommendedAction == "" {
		return Advice{}, fmt.Errorf("advisor response missing recommended_action")
	}
	return advice, nil
}

func cacheGet(key string) (Advice, bool) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if e, ok := cacheStore[key]; ok {
		if time.Now().Before(e.exp) {
			return e.value, true
		}
		delete(cacheStore, key)
	}
	return Advice{}, false
}

func cacheSet(key string, value Advice) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cacheStore[key] = cacheEntry{
		value: value,
		exp:   time.Now().Add(cacheTTL),
	}
}

func extractRetryAfter(errBody map[string]any) time.Duration {
	errObj, ok := errBody["error"].(map[string]any)
	if !ok {
		return 0
	}
	details, ok := errObj["details"].([]any)
	if !ok {
		return 0
	}
	for _, d := range details {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["@type"].(string); ok && strings.Contains(t, "RetryInfo") {
			if s, ok := m["retryDelay"].(string); ok {
				if dur, err := time.ParseDuration(s); err == nil {
					return dur
				}
			}
		}
	}
	return 0
}
