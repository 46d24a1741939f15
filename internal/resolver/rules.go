package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// DefaultSelectors match the element carrying the outbound publisher link on a
// Google News viewer page, highest priority first.
var DefaultSelectors = []string{
	`link[rel="alternate"]`,
	`a[jsname="hXwDdf"]`,
	`a[jscontroller]`,
	`c-wiz a[rel="nofollow"]`,
	`a[target="_blank"][rel="noopener"]`,
	`div[jsname="gKDw6b"] a`,
}

// Extractor pulls a candidate publisher URL out of the elements matching
// selector. An empty string with a nil error means "no value".
type Extractor func(ctx context.Context, page article.Page, selector string) (string, error)

// Rule pairs a selector with the extraction applied to its matches.
type Rule struct {
	Selector string
	Extract  Extractor
}

// AttributeRule builds a Rule that reads attr from the first element matching
// selector, provided at least one element matches.
func AttributeRule(selector, attr string) Rule {
	return Rule{
		Selector: selector,
		Extract: func(ctx context.Context, page article.Page, sel string) (string, error) {
			n, err := page.Count(ctx, sel)
			if err != nil {
				return "", fmt.Errorf("count %q: %w", sel, err)
			}
			if n == 0 {
				return "", nil
			}
			value, err := page.Attribute(ctx, sel, attr)
			if err != nil {
				return "", fmt.Errorf("read %s of %q: %w", attr, sel, err)
			}
			return strings.TrimSpace(value), nil
		},
	}
}

// BuildRules turns an ordered selector list into attribute rules.
func BuildRules(selectors []string, attr string) []Rule {
	if attr == "" {
		attr = "href"
	}
	rules := make([]Rule, 0, len(selectors))
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		rules = append(rules, AttributeRule(sel, attr))
	}
	return rules
}
