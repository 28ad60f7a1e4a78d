package analyzer

import (
	"encoding/json"
	"fmt"

	"github.com/opsintel/intelhub/internal/intel"
)

type wireRating struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

type wireVerdict struct {
	EventTitle string         `json:"event_title"`
	EventBrief string         `json:"event_brief"`
	Ratings    []wireRating   `json:"ratings"`
	Entities   intel.Entities `json:"entities"`
}

// ParseVerdict repairs a raw model reply leniently, then validates it
// strictly. A reply that survives repair but violates the contract (missing
// title, no ratings, or a score outside [0,10]) is rejected wholesale;
// scores are never clamped into range.
func ParseVerdict(raw string) (intel.Verdict, error) {
	cleaned := Repair(raw)
	if cleaned == "" {
		return intel.Verdict{}, &intel.MalformedOutputError{Reason: "empty reply", Raw: raw}
	}

	var wire wireVerdict
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return intel.Verdict{}, &intel.MalformedOutputError{
			Reason: fmt.Sprintf("invalid json: %v", err),
			Raw:    raw,
		}
	}

	if wire.EventTitle == "" {
		return intel.Verdict{}, &intel.MalformedOutputError{Reason: "missing event_title", Raw: raw}
	}
	if len(wire.Ratings) == 0 {
		return intel.Verdict{}, &intel.MalformedOutputError{Reason: "no ratings", Raw: raw}
	}

	ratings := make([]intel.Rating, 0, len(wire.Ratings))
	for i, r := range wire.Ratings {
		if r.Class == "" {
			return intel.Verdict{}, &intel.MalformedOutputError{
				Reason: fmt.Sprintf("ratings[%d]: empty class", i),
				Raw:    raw,
			}
		}
		if r.Score < 0 || r.Score > 10 {
			return intel.Verdict{}, &intel.MalformedOutputError{
				Reason: fmt.Sprintf("ratings[%d] (%s): score %g out of range", i, r.Class, r.Score),
				Raw:    raw,
			}
		}
		ratings = append(ratings, intel.Rating{Class: r.Class, Score: r.Score})
	}

	return intel.Verdict{
		EventTitle:   wire.EventTitle,
		EventBrief:   wire.EventBrief,
		Ratings:      ratings,
		Entities:     wire.Entities,
		RawModelText: raw,
	}, nil
}
