package matcher

// Matches reports whether text matches a single keyword.
func (m *Matcher) Matches(text, keyword string) bool {
	return m.matches(Normalize(text), Normalize(keyword))
}
