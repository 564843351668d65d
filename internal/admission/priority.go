package admission

import (
	"fmt"
	"strings"
)

// Priority orders queued requests. Higher values drain first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type routeRule struct {
	prefix   string
	priority Priority
}

// Classifier maps request paths to priority tiers by longest matching
// prefix. Paths matching no rule default to medium.
type Classifier struct {
	rules []routeRule
}

// ParseClassifier builds a Classifier from a comma-separated list of
// "prefix=tier" entries, e.g. "/healthz=high,/assets/=low".
func ParseClassifier(routes string) (*Classifier, error) {
	c := &Classifier{}
	for _, entry := range strings.Split(routes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, tier, ok := strings.Cut(entry, "=")
		prefix = strings.TrimSpace(prefix)
		if !ok || prefix == "" {
			return nil, fmt.Errorf("invalid priority route entry %q", entry)
		}
		var p Priority
		switch strings.ToLower(strings.TrimSpace(tier)) {
		case "high":
			p = PriorityHigh
		case "medium":
			p = PriorityMedium
		case "low":
			p = PriorityLow
		default:
			return nil, fmt.Errorf("unknown priority tier %q in entry %q", tier, entry)
		}
		c.rules = append(c.rules, routeRule{prefix: prefix, priority: p})
	}
	return c, nil
}

// Classify returns the tier for path, picking the longest matching prefix.
func (c *Classifier) Classify(path string) Priority {
	best := PriorityMedium
	bestLen := -1
	for _, rule := range c.rules {
		if strings.HasPrefix(path, rule.prefix) && len(rule.prefix) > bestLen {
			best = rule.priority
			bestLen = len(rule.prefix)
		}
	}
	return best
}
