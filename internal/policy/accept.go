// Package policy decides whether a verdict clears the archive bar.
package policy

import (
	"strings"

	"github.com/opsintel/intelhub/internal/intel"
)

// Decision is the outcome of evaluating a verdict's ratings.
type Decision struct {
	Accept   bool
	MaxClass string
	MaxScore float64
}

// Acceptance scores a verdict by its highest rating across non-excluded
// classes and accepts when that score meets the threshold.
type Acceptance struct {
	threshold float64
	excluded  map[string]struct{}
}

// NewAcceptance builds the policy. Class exclusion is case-insensitive.
func NewAcceptance(threshold float64, excludeClasses []string) *Acceptance {
	excluded := make(map[string]struct{}, len(excludeClasses))
	for _, c := range excludeClasses {
		excluded[strings.ToLower(c)] = struct{}{}
	}
	return &Acceptance{threshold: threshold, excluded: excluded}
}

// Evaluate picks the max score over considered classes. With no
// considerable ratings the verdict is discarded.
func (a *Acceptance) Evaluate(ratings []intel.Rating) Decision {
	d := Decision{}
	seen := false
	for _, r := range ratings {
		if _, skip := a.excluded[strings.ToLower(r.Class)]; skip {
			continue
		}
		if !seen || r.Score > d.MaxScore {
			d.MaxClass = r.Class
			d.MaxScore = r.Score
			seen = true
		}
	}
	if !seen {
		return d
	}
	d.Accept = d.MaxScore >= a.threshold
	return d
}

// Threshold exposes the configured bar for logging and stats.
func (a *Acceptance) Threshold() float64 { return a.threshold }
