package flow

import (
	"strings"
	"unicode"
)

// ServiceExtractor matches the service-interest keyword tables and yields
// the matched category, not the raw phrase.
type ServiceExtractor struct {
	keywords Keywords
}

func NewServiceExtractor(kw Keywords) *ServiceExtractor {
	return &ServiceExtractor{keywords: kw}
}

func (e *ServiceExtractor) Key() string { return FieldService }

func (e *ServiceExtractor) Extract(line string) (string, bool) {
	normalized := normalizeLine(line)
	if normalized == "" {
		return "", false
	}
	for category, phrases := range e.keywords.Services {
		for _, phrase := range phrases {
			if containsPhrase(normalized, phrase) {
				return category, true
			}
		}
	}
	return "", false
}

// NationalityExtractor matches known country and nationality phrases and
// yields the canonical form ("chinese" becomes "China").
type NationalityExtractor struct {
	keywords Keywords
}

func NewNationalityExtractor(kw Keywords) *NationalityExtractor {
	return &NationalityExtractor{keywords: kw}
}

func (e *NationalityExtractor) Key() string { return FieldNationality }

func (e *NationalityExtractor) Extract(line string) (string, bool) {
	normalized := normalizeLine(line)
	if normalized == "" {
		return "", false
	}
	// Exact line match first so "USA" answers as typed territory names do.
	if canonical, ok := e.keywords.Nationalities[normalized]; ok {
		return canonical, true
	}
	for phrase, canonical := range e.keywords.Nationalities {
		if containsPhrase(normalized, phrase) {
			return canonical, true
		}
	}
	return "", false
}

// NameExtractor is heuristic: a short run of alphabetic words that no
// keyword table claims is taken as a person's name. It shares the keyword
// tables so "Business" is never mistaken for a name.
type NameExtractor struct {
	service     *ServiceExtractor
	nationality *NationalityExtractor
}

func NewNameExtractor(kw Keywords) *NameExtractor {
	return &NameExtractor{
		service:     NewServiceExtractor(kw),
		nationality: NewNationalityExtractor(kw),
	}
}

func (e *NameExtractor) Key() string { return FieldName }

const maxNameWords = 4

func (e *NameExtractor) Extract(line string) (string, bool) {
	candidate := strings.TrimSpace(line)
	for _, prefix := range []string{"my name is ", "i am ", "i'm ", "this is "} {
		lower := strings.ToLower(candidate)
		if strings.HasPrefix(lower, prefix) {
			candidate = strings.TrimSpace(candidate[len(prefix):])
			break
		}
	}
	if len([]rune(candidate)) < minAnswerLength {
		return "", false
	}

	words := strings.Fields(candidate)
	if len(words) == 0 || len(words) > maxNameWords {
		return "", false
	}
	for _, word := range words {
		if !isNameWord(word) {
			return "", false
		}
	}
	if _, ok := e.service.Extract(candidate); ok {
		return "", false
	}
	if _, ok := e.nationality.Extract(candidate); ok {
		return "", false
	}
	return candidate, true
}

func isNameWord(word string) bool {
	for _, r := range word {
		if !unicode.IsLetter(r) && r != '\'' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func normalizeLine(line string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(line) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase reports a whole-word match of phrase inside normalized
// text, so "visa" does not fire on "advisable".
func containsPhrase(normalized, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	if normalized == phrase {
		return true
	}
	idx := 0
	for {
		pos := strings.Index(normalized[idx:], phrase)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(phrase)
		startOK := start == 0 || normalized[start-1] == ' '
		endOK := end == len(normalized) || normalized[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}
