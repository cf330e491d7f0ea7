// Prompts and response schemas. The contractual rules live in the prompt
// text; the schemas force structured output so the adapter never parses
// free text.

package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"pledgeledger/internal/oracle"
	"pledgeledger/pkg/money"
)

var receiptSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "category": {"type": "string", "enum": ["RECEIPT_SUBMISSION", "QUESTION", "IRRELEVANT"]},
    "summary": {"type": "string"},
    "valid_receipts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "filename": {"type": "string"},
          "amount": {"type": "integer"},
          "amount_declared": {"type": "integer"},
          "date": {"type": "string"},
          "sender_name": {"type": "string"},
          "confidence_score": {"type": "string", "enum": ["HIGH", "MEDIUM", "LOW"]},
          "confidence_details": {
            "type": "object",
            "properties": {
              "amount_match": {"type": "boolean"},
              "name_match": {"type": "boolean"},
              "destination_match": {"type": "boolean"}
            },
            "required": ["amount_match", "name_match", "destination_match"]
          }
        },
        "required": ["filename", "amount", "date", "confidence_score"]
      }
    },
    "suggested_reply": {"type": "string"}
  },
  "required": ["category", "summary", "valid_receipts"]
}`)

var replySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["CONFIRMED_ALL", "PARTIAL", "AMBIGUOUS", "QUERY"]},
    "confirmedAllocIds": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  },
  "required": ["status", "confirmedAllocIds", "reasoning"]
}`)

func extractPrompt(req oracle.ExtractRequest) string {
	var b strings.Builder
	b.WriteString(`You analyze donor emails for a charitable scholarship program.
Classify the email and validate any attached bank-transfer receipts.

Rules:
- category RECEIPT_SUBMISSION only if at least one attachment plausibly
  shows a completed bank transfer to the program's account.
- category QUESTION if the donor asks something needing a human reply;
  draft a short courteous suggested_reply.
- category IRRELEVANT otherwise.
- For each valid receipt report the amount actually visible on the
  proof (minor units), the transfer date (YYYY-MM-DD) and the sender
  name as printed.
- BE CAUTIOUS: if the amount, sender or destination is ambiguous, score
  MEDIUM or LOW rather than inventing values. Never guess an amount.
`)
	fmt.Fprintf(&b, "\nPledge date: %s\nEmail date: %s\nExpected amount: %s\n",
		req.PledgeDate.Format("2006-01-02"),
		req.EmailDate.Format("2006-01-02"),
		money.Format(req.ExpectedAmount))
	b.WriteString("\nEmail thread:\n")
	b.WriteString(req.EmailText)
	return b.String()
}

func classifyPrompt(emailText string, open []oracle.OpenAllocation) string {
	var b strings.Builder
	b.WriteString(`You classify an institution's reply about pending fund allocations.

Rules, in priority order:
1. Explicit identifier mentions (allocation id, student id, amount or
   donor name) are definitive: confirm exactly those allocations
   (status CONFIRMED_ALL if all open ones are covered, else PARTIAL).
2. If there is exactly ONE open allocation and the reply is a bare
   affirmation ("confirmed", "received", "done"), that is CONFIRMED_ALL.
3. If there are MULTIPLE open allocations and the reply is a vague
   affirmation without identifiers, that is AMBIGUOUS.
4. Any negative, uncertain or questioning phrase ("will check", "not
   received", "which student?") is QUERY.
confirmedAllocIds must be a subset of the open allocations listed below.
`)
	b.WriteString("\nOpen allocations:\n")
	for _, o := range open {
		fmt.Fprintf(&b, "- %s: student %s, amount %s, donor %s\n",
			o.AllocID, o.CMSID, money.Format(o.Amount), o.DonorName)
	}
	b.WriteString("\nReply thread:\n")
	b.WriteString(emailText)
	return b.String()
}
