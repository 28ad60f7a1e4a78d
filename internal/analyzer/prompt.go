package analyzer

import (
	"fmt"
	"strings"

	"github.com/opsintel/intelhub/internal/intel"
)

// systemInstruction is the fixed analysis contract sent with every request.
// The reply must be a single JSON object so that ParseVerdict can apply
// strict validation after lenient repair.
const systemInstruction = `You are an intelligence analyst. Read the provided document and respond with ONLY a single JSON object, no commentary and no code fences, in exactly this shape:

{
  "event_title": "short factual title of the event",
  "event_brief": "two to four sentence summary",
  "ratings": [
    {"class": "情报价值", "score": 0.0},
    {"class": "时效性", "score": 0.0},
    {"class": "可信度", "score": 0.0}
  ],
  "entities": {
    "locations": [],
    "people": [],
    "organizations": []
  }
}

Every score must be a number between 0 and 10 inclusive. Rate 情报价值 (intelligence value), 时效性 (timeliness), and 可信度 (credibility). List only entities actually named in the document.`

// reformatNudge is appended once when the first reply fails validation.
const reformatNudge = `Your previous reply did not validate against the required schema. Respond again with ONLY the JSON object described in the instructions. No commentary, no code fences, every score between 0 and 10.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages composes the conversation for one analysis attempt. When
// priorReply is non-empty, the failed reply plus a reformat nudge are
// appended so the model can correct itself.
func buildMessages(item intel.RawItem, priorReply string) []chatMessage {
	var doc strings.Builder
	fmt.Fprintf(&doc, "Source URL: %s\n", item.SourceURL)
	fmt.Fprintf(&doc, "Title: %s\n", item.Title)
	if item.Informant != "" {
		fmt.Fprintf(&doc, "Informant: %s\n", item.Informant)
	}
	if !item.PublishedAt.IsZero() {
		fmt.Fprintf(&doc, "Published: %s\n", item.PublishedAt.UTC().Format("2006-01-02 15:04"))
	}
	doc.WriteString("\n")
	doc.WriteString(item.Body)

	msgs := []chatMessage{
		{Role: "system", Content: systemInstruction},
		{Role: "user", Content: doc.String()},
	}
	if priorReply != "" {
		msgs = append(msgs,
			chatMessage{Role: "assistant", Content: priorReply},
			chatMessage{Role: "user", Content: reformatNudge},
		)
	}
	return msgs
}
