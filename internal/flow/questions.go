package flow

// questionOrder fixes which unanswered field is requested next.
var questionOrder = []string{FieldName, FieldService, FieldNationality}

var questionTexts = map[string]string{
	FieldName:        "May I have your name, please?",
	FieldService:     "Which service are you interested in? For example business setup, visas, or accounting.",
	FieldNationality: "May I ask your nationality? This helps us advise on the right license and visa options.",
}

// NextQuestion returns the first qualification field not yet known. ok is
// false when every field is answered and the flow is complete.
func NextQuestion(known map[string]string) (key string, ok bool) {
	for _, field := range questionOrder {
		if known[field] == "" {
			return field, true
		}
	}
	return "", false
}

func QuestionText(key string) string {
	return questionTexts[key]
}

// StandardRegistry wires the built-in extractors over a keyword set. The
// nationality and service tables are consulted before the name heuristic
// inside NameExtractor itself, so registration order here only controls
// result iteration.
func StandardRegistry(kw Keywords) *Registry {
	return NewRegistry(
		NewServiceExtractor(kw),
		NewNationalityExtractor(kw),
		NewNameExtractor(kw),
	)
}
