package market

import (
	"strings"

	"polymarket-monitor/internal/venue"
)

// Category labels stored on markets. The venue's own taxonomy is loose,
// so classification works down a priority ladder: tags, then the category
// field, then question keywords, then the first raw tag.
const (
	CategoryCrypto        = "Crypto"
	CategoryPolitics      = "Politics"
	CategorySports        = "Sports"
	CategoryEntertainment = "Entertainment"
	CategoryAll           = "All"
)

const categoryMaxLen = 100

var tagCategories = []struct {
	needles  []string
	category string
}{
	{[]string{"crypto", "bitcoin", "ethereum"}, CategoryCrypto},
	{[]string{"politics", "election"}, CategoryPolitics},
	{[]string{"sports", "nba", "nfl"}, CategorySports},
}

var fieldCategories = []struct {
	needle   string
	category string
}{
	{"crypto", CategoryCrypto},
	{"politic", CategoryPolitics},
	{"sport", CategorySports},
	{"entertain", CategoryEntertainment},
}

var questionCategories = []struct {
	needles  []string
	category string
}{
	{[]string{"bitcoin", "btc", "ethereum", "eth ", "crypto", "solana"}, CategoryCrypto},
	{[]string{"election", "president", "senate", "congress", "governor"}, CategoryPolitics},
	{[]string{"nba", "nfl", "super bowl", "championship", "world cup"}, CategorySports},
}

// Categorize assigns the stored category for a venue market.
func Categorize(m *venue.Market) string {
	for _, tag := range m.Tags {
		lower := strings.ToLower(tag)
		for _, tc := range tagCategories {
			for _, needle := range tc.needles {
				if strings.Contains(lower, needle) {
					return tc.category
				}
			}
		}
	}

	if m.Category != "" {
		lower := strings.ToLower(m.Category)
		for _, fc := range fieldCategories {
			if strings.Contains(lower, fc.needle) {
				return fc.category
			}
		}
	}

	question := strings.ToLower(m.Question)
	for _, qc := range questionCategories {
		for _, needle := range qc.needles {
			if strings.Contains(question, needle) {
				return qc.category
			}
		}
	}

	if len(m.Tags) > 0 {
		return truncate(m.Tags[0], categoryMaxLen)
	}
	return CategoryAll
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
