// Package matcher resolves free text against an ordered set of keyword rules.
//
// A rule matches when its keyword occurs in the text with any of its letters
// repeated ("haaallo" still matches "hallo"), or when the text is within a
// small edit distance of the keyword ("hrga" matches "harga"). Rules are
// evaluated in order and the first match wins.
package matcher

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxDistance is the largest edit distance still treated as a match.
	DefaultMaxDistance = 2

	// DefaultPatternCacheSize bounds the number of compiled keyword patterns kept around.
	DefaultPatternCacheSize = 256
)

// Rule pairs a trigger keyword with the canned reply sent when it matches.
type Rule struct {
	Keyword string
	Reply   string
}

// Matcher evaluates rules against inbound text. It holds no per-conversation
// state and is safe for concurrent use.
type Matcher struct {
	patterns    *lru.Cache[string, *regexp.Regexp]
	maxDistance int
	wordWindows bool
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMaxDistance sets the edit distance bound. Negative values disable
// distance matching.
func WithMaxDistance(d int) Option {
	return func(m *Matcher) {
		m.maxDistance = d
	}
}

// WithWordWindows controls whether the distance check also runs against each
// run of words in the text that is as long as the keyword. When disabled only
// the whole text is compared.
func WithWordWindows(enabled bool) Option {
	return func(m *Matcher) {
		m.wordWindows = enabled
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		maxDistance: DefaultMaxDistance,
		wordWindows: true,
	}
	for _, opt := range opts {
		opt(m)
	}

	// Only fails for a non-positive size.
	cache, err := lru.New[string, *regexp.Regexp](DefaultPatternCacheSize)
	if err == nil {
		m.patterns = cache
	}
	return m
}

// Match returns the first rule whose keyword matches text.
func (m *Matcher) Match(text string, rules []Rule) (Rule, bool) {
	normalized := Normalize(text)
	for _, rule := range rules {
		if m.matches(normalized, Normalize(rule.Keyword)) {
			return rule, true
		}
	}
	return Rule{}, false
}

func (m *Matcher) matches(text, keyword string) bool {
	if strings.TrimSpace(keyword) == "" {
		return false
	}
	if re := m.pattern(keyword); re != nil && re.MatchString(text) {
		return true
	}
	if m.maxDistance < 0 {
		return false
	}
	if levenshtein.ComputeDistance(text, keyword) <= m.maxDistance {
		return true
	}
	if !m.wordWindows {
		return false
	}
	return m.windowWithinDistance(text, keyword)
}

// windowWithinDistance compares the keyword against every run of consecutive
// words with the same word count. A window must keep at least one rune of the
// keyword, so short keywords are not matched by unrelated short words.
func (m *Matcher) windowWithinDistance(text, keyword string) bool {
	keywordWords := strings.Fields(keyword)
	words := strings.Fields(text)
	size := len(keywordWords)
	if size == 0 || len(words) < size {
		return false
	}

	joined := strings.Join(keywordWords, " ")
	limit := m.maxDistance
	if n := utf8.RuneCountInString(joined) - 1; n < limit {
		limit = n
	}
	for i := 0; i+size <= len(words); i++ {
		window := strings.Join(words[i:i+size], " ")
		if levenshtein.ComputeDistance(window, joined) <= limit {
			return true
		}
	}
	return false
}

// pattern returns the stretched pattern for an already normalized keyword.
func (m *Matcher) pattern(keyword string) *regexp.Regexp {
	if m.patterns != nil {
		if re, ok := m.patterns.Get(keyword); ok {
			return re
		}
	}

	re, err := regexp.Compile(StretchedPattern(keyword))
	if err != nil {
		return nil
	}
	if m.patterns != nil {
		m.patterns.Add(keyword, re)
	}
	return re
}

// StretchedPattern builds a case-insensitive expression in which every rune of
// keyword may be repeated one or more times.
func StretchedPattern(keyword string) string {
	var b strings.Builder
	b.WriteString("(?i)")
	for _, r := range keyword {
		b.WriteString(regexp.QuoteMeta(string(r)))
		b.WriteByte('+')
	}
	return b.String()
}

// Normalize lower-cases text for comparison.
func Normalize(text string) string {
	return strings.ToLower(text)
}

// ExpandReply converts literal "\n" sequences stored in the reply table into
// real newlines.
func ExpandReply(reply string) string {
	return strings.ReplaceAll(reply, `\n`, "\n")
}
