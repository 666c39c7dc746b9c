package verifier

import (
	"fmt"
	"strings"
)

// SystemPrompt constrains the backend to the verdict JSON shape.
const SystemPrompt = `You are VaultAgent, the condition verifier for a conditional escrow ledger.
You receive a delivery condition agreed by buyer and seller and the proof the seller submitted.
Decide whether the proof satisfies the condition. Be strict but fair and always explain your reasoning.
Respond with a single JSON object and nothing else. Do not use markdown or code fences.`

// Prompt is one completion request sent to the backend.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the user message for req. req must be normalized.
func BuildPrompt(req Request) Prompt {
	var b strings.Builder
	b.WriteString("## Escrow Context\n")
	fmt.Fprintf(&b, "- Amount: %s\n", req.Context.Amount)
	fmt.Fprintf(&b, "- Buyer: %s\n", req.Context.Buyer)
	fmt.Fprintf(&b, "- Seller: %s\n\n", req.Context.Seller)
	b.WriteString("## Condition to Verify\n")
	b.WriteString(strings.TrimSpace(req.Condition))
	b.WriteString("\n\n## Proof Submitted by Seller\n")
	b.WriteString(strings.TrimSpace(req.Proof))
	b.WriteString("\n\n## Task\n")
	b.WriteString("Analyze the proof against the condition. Return JSON:\n")
	b.WriteString(`{
  "passed": true/false,
  "confidence": 0-100,
  "reason": "one-line explanation",
  "details": ["detail1", "detail2"]
}`)
	return Prompt{System: SystemPrompt, User: b.String()}
}
