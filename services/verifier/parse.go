package verifier

import (
	"encoding/json"
	"math"
	"strings"
)

// ParseFailureReason is reported when the backend answer is not a verdict.
const ParseFailureReason = "Failed to parse AI response"

type rawVerdict struct {
	Passed     *bool             `json:"passed"`
	Confidence *float64          `json:"confidence"`
	Reason     string            `json:"reason"`
	Details    []json.RawMessage `json:"details"`
}

// ParseResult decodes a backend answer into a Result. When the text is not a
// verdict it returns the conservative failure result carrying the raw text and
// false.
func ParseResult(raw string) (Result, bool) {
	body := extractJSON(raw)
	var v rawVerdict
	if body == "" || json.Unmarshal([]byte(body), &v) != nil || v.Passed == nil {
		return unparsed(raw), false
	}
	res := Result{
		Passed:  *v.Passed,
		Reason:  strings.TrimSpace(v.Reason),
		Details: make([]string, 0, len(v.Details)),
	}
	if v.Confidence != nil {
		res.Confidence = clampConfidence(*v.Confidence)
	}
	for _, d := range v.Details {
		var s string
		if err := json.Unmarshal(d, &s); err == nil {
			res.Details = append(res.Details, s)
			continue
		}
		res.Details = append(res.Details, string(d))
	}
	if res.Reason == "" {
		if res.Passed {
			res.Reason = "Condition satisfied"
		} else {
			res.Reason = "Condition not satisfied"
		}
	}
	return res, true
}

func unparsed(raw string) Result {
	return Result{
		Passed:     false,
		Confidence: 0,
		Reason:     ParseFailureReason,
		Details:    []string{raw},
	}
}

// extractJSON strips markdown fences and surrounding prose around the first
// JSON object in s.
func extractJSON(s string) string {
	text := strings.TrimSpace(s)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.Contains(text[:nl], "{") {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func clampConfidence(c float64) int {
	if math.IsNaN(c) || c <= 0 {
		return 0
	}
	if c >= 100 {
		return 100
	}
	return int(math.Round(c))
}
