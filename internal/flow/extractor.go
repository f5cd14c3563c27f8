// Package flow implements the qualification-question state machine that
// runs over inbound conversation text: deciding the next question to ask
// and extracting answered fields from free-form replies.
package flow

import (
	"strings"
)

// Field identifiers for the qualification questions. These are stored on
// the conversation as last_question_key and as keys in known_fields.
const (
	FieldName        = "NAME"
	FieldService     = "SERVICE"
	FieldNationality = "NATIONALITY"
)

// An answer this short is noise, not data.
const minAnswerLength = 2

// Extractor pulls one structured field out of a single line of inbound
// text. Extract returns false when the line does not answer this field;
// it must never guess.
type Extractor interface {
	Key() string
	Extract(line string) (string, bool)
}

// Result is what one inbound message yielded.
type Result struct {
	// Fields holds newly extracted values, keyed by field identifier.
	// Fields the conversation already knew are never present here.
	Fields map[string]string
	// AnsweredPending is true when the pending question's field was
	// among the extractions, meaning the question state should clear.
	AnsweredPending bool
}

// Registry holds the registered extractors in order. New fields are added
// by registering an extractor, not by branching in the pipeline.
type Registry struct {
	extractors []Extractor
	byKey      map[string]Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	reg := &Registry{byKey: make(map[string]Extractor)}
	for _, ex := range extractors {
		reg.Register(ex)
	}
	return reg
}

func (r *Registry) Register(ex Extractor) {
	r.extractors = append(r.extractors, ex)
	r.byKey[ex.Key()] = ex
}

// Apply runs a message through the extractors. When pendingKey names a
// question awaiting an answer, its extractor gets the first shot at the
// text; general extraction then runs regardless, so a reply can volunteer
// fields nobody asked for. Fields already present in known are left
// alone: a later, weaker match never downgrades an answer.
func (r *Registry) Apply(text, pendingKey string, known map[string]string) Result {
	res := Result{Fields: make(map[string]string)}

	lines := splitAnswerLines(text)
	if len(lines) == 0 {
		return res
	}

	if pending, ok := r.byKey[pendingKey]; ok && !hasField(known, pendingKey) {
		for _, line := range lines {
			if value, ok := pending.Extract(line); ok {
				res.Fields[pendingKey] = value
				res.AnsweredPending = true
				break
			}
		}
	}

	// Each line goes to every extractor: one message can answer several
	// questions at once.
	for _, ex := range r.extractors {
		key := ex.Key()
		if hasField(known, key) || res.Fields[key] != "" {
			continue
		}
		for _, line := range lines {
			if value, ok := ex.Extract(line); ok {
				res.Fields[key] = value
				if key == pendingKey {
					res.AnsweredPending = true
				}
				break
			}
		}
	}

	return res
}

func hasField(known map[string]string, key string) bool {
	return known[key] != ""
}

func splitAnswerLines(text string) []string {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if len([]rune(line)) < minAnswerLength {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
