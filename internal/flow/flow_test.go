package flow

import (
	"os"
	"path/filepath"
	"testing"
)

func standardRegistry() *Registry {
	return StandardRegistry(DefaultKeywords())
}

func TestApplyAnswersPendingNationality(t *testing.T) {
	reg := standardRegistry()

	res := reg.Apply("USA", FieldNationality, map[string]string{})

	if !res.AnsweredPending {
		t.Fatal("expected pending NATIONALITY question to be answered")
	}
	if got := res.Fields[FieldNationality]; got != "USA" {
		t.Fatalf("nationality = %q, want USA", got)
	}
}

func TestApplyExtractsMultipleFieldsFromOneMessage(t *testing.T) {
	reg := standardRegistry()

	res := reg.Apply("Abdurahman\nBusiness\nChina", "", map[string]string{})

	if got := res.Fields[FieldName]; got != "Abdurahman" {
		t.Fatalf("name = %q, want Abdurahman", got)
	}
	if got := res.Fields[FieldService]; got != "business-setup" {
		t.Fatalf("service = %q, want business-setup", got)
	}
	if got := res.Fields[FieldNationality]; got != "China" {
		t.Fatalf("nationality = %q, want China", got)
	}
	if res.AnsweredPending {
		t.Fatal("no question was pending, AnsweredPending must be false")
	}
}

func TestApplyNeverDowngradesKnownField(t *testing.T) {
	reg := standardRegistry()
	known := map[string]string{FieldNationality: "India"}

	res := reg.Apply("China", FieldNationality, known)

	if _, ok := res.Fields[FieldNationality]; ok {
		t.Fatal("known nationality must not be re-extracted")
	}
}

func TestApplyFailedExtractionLeavesStateUntouched(t *testing.T) {
	reg := standardRegistry()

	res := reg.Apply("???", FieldNationality, map[string]string{})

	if len(res.Fields) != 0 {
		t.Fatalf("expected no extractions, got %v", res.Fields)
	}
	if res.AnsweredPending {
		t.Fatal("failed extraction must not clear the pending question")
	}
}

func TestApplyIgnoresSingleCharacterAnswers(t *testing.T) {
	reg := standardRegistry()

	res := reg.Apply("a", FieldName, map[string]string{})

	if len(res.Fields) != 0 {
		t.Fatalf("single character is below the plausible answer length, got %v", res.Fields)
	}
}

func TestNationalityExtractorCanonicalizes(t *testing.T) {
	ex := NewNationalityExtractor(DefaultKeywords())

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"chinese", "China", true},
		{"I am from China", "China", true},
		{"USA", "USA", true},
		{"united kingdom", "UK", true},
		{"hello there", "", false},
	}
	for _, tt := range tests {
		got, ok := ex.Extract(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Extract(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestServiceExtractorMatchesWholeWordsOnly(t *testing.T) {
	ex := NewServiceExtractor(DefaultKeywords())

	if _, ok := ex.Extract("it would be advisable"); ok {
		t.Fatal("substring of an unrelated word must not match")
	}
	if got, ok := ex.Extract("I need a trade license"); !ok || got != "business-setup" {
		t.Fatalf("Extract = (%q, %v), want (business-setup, true)", got, ok)
	}
	if got, ok := ex.Extract("golden visa please"); !ok || got != "visa-services" {
		t.Fatalf("Extract = (%q, %v), want (visa-services, true)", got, ok)
	}
}

func TestNameExtractorRejectsKeywordsAndNoise(t *testing.T) {
	ex := NewNameExtractor(DefaultKeywords())

	if _, ok := ex.Extract("Business"); ok {
		t.Fatal("service keyword must not be taken as a name")
	}
	if _, ok := ex.Extract("China"); ok {
		t.Fatal("nationality must not be taken as a name")
	}
	if _, ok := ex.Extract("call me at 0501234567"); ok {
		t.Fatal("digits must not be taken as a name")
	}
	if got, ok := ex.Extract("my name is Sara Al-Maktoum"); !ok || got != "Sara Al-Maktoum" {
		t.Fatalf("Extract = (%q, %v), want (Sara Al-Maktoum, true)", got, ok)
	}
}

func TestNextQuestionAdvancesThroughFields(t *testing.T) {
	known := map[string]string{}

	key, ok := NextQuestion(known)
	if !ok || key != FieldName {
		t.Fatalf("first question = (%q, %v), want NAME", key, ok)
	}

	known[FieldName] = "Abdurahman"
	key, ok = NextQuestion(known)
	if !ok || key != FieldService {
		t.Fatalf("second question = (%q, %v), want SERVICE", key, ok)
	}

	known[FieldService] = "business-setup"
	known[FieldNationality] = "China"
	if key, ok = NextQuestion(known); ok {
		t.Fatalf("flow complete, got question %q", key)
	}
}

func TestLoadKeywordsMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	override := `
services:
  offshore-setup: ["offshore"]
nationalities:
  brazil: Brazil
`
	if err := os.WriteFile(path, []byte(override), 0o600); err != nil {
		t.Fatalf("writing override file: %v", err)
	}

	kw, err := LoadKeywords(path)
	if err != nil {
		t.Fatalf("LoadKeywords: %v", err)
	}
	if got, ok := NewServiceExtractor(kw).Extract("offshore"); !ok || got != "offshore-setup" {
		t.Fatalf("override service = (%q, %v), want (offshore-setup, true)", got, ok)
	}
	if got, ok := NewNationalityExtractor(kw).Extract("brazil"); !ok || got != "Brazil" {
		t.Fatalf("override nationality = (%q, %v), want (Brazil, true)", got, ok)
	}
	// Built-ins survive the merge.
	if _, ok := NewNationalityExtractor(kw).Extract("china"); !ok {
		t.Fatal("built-in nationalities must survive an override merge")
	}
}
