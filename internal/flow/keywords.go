package flow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keywords drives the keyword-table extractors. Operators can extend the
// built-in tables with a YAML file (FLOW_KEYWORDS_FILE) without a deploy.
type Keywords struct {
	// Services maps a service category to the phrases that signal it.
	Services map[string][]string `yaml:"services"`
	// Nationalities maps a recognized phrase to its canonical form.
	Nationalities map[string]string `yaml:"nationalities"`
}

// DefaultKeywords returns the built-in tables tuned for business-setup
// conversations in the UAE market.
func DefaultKeywords() Keywords {
	return Keywords{
		Services: map[string][]string{
			"business-setup": {
				"business", "business setup", "company", "company formation",
				"llc", "trade license", "start a business", "setup",
			},
			"freezone-setup": {
				"freezone", "free zone", "ifza", "dmcc", "rakez", "shams",
			},
			"mainland-setup": {
				"mainland", "ded license", "local sponsor",
			},
			"visa-services": {
				"visa", "residence visa", "golden visa", "employment visa",
				"family visa",
			},
			"accounting": {
				"accounting", "bookkeeping", "vat", "corporate tax", "audit",
			},
		},
		Nationalities: map[string]string{
			"usa": "USA", "united states": "USA", "american": "USA",
			"uk": "UK", "united kingdom": "UK", "british": "UK",
			"china": "China", "chinese": "China",
			"india": "India", "indian": "India",
			"pakistan": "Pakistan", "pakistani": "Pakistan",
			"philippines": "Philippines", "filipino": "Philippines",
			"egypt": "Egypt", "egyptian": "Egypt",
			"nigeria": "Nigeria", "nigerian": "Nigeria",
			"russia": "Russia", "russian": "Russia",
			"france": "France", "french": "France",
			"germany": "Germany", "german": "Germany",
			"canada": "Canada", "canadian": "Canada",
			"australia": "Australia", "australian": "Australia",
			"saudi arabia": "Saudi Arabia", "saudi": "Saudi Arabia",
			"uae": "UAE", "emirati": "UAE",
			"jordan": "Jordan", "jordanian": "Jordan",
			"lebanon": "Lebanon", "lebanese": "Lebanon",
			"turkey": "Turkey", "turkish": "Turkey",
			"iran": "Iran", "iranian": "Iran",
			"bangladesh": "Bangladesh", "bangladeshi": "Bangladesh",
			"sri lanka": "Sri Lanka", "sri lankan": "Sri Lanka",
		},
	}
}

// LoadKeywords returns the defaults merged with the optional override
// file. Override entries extend the tables; they do not replace them.
func LoadKeywords(path string) (Keywords, error) {
	kw := DefaultKeywords()
	if path == "" {
		return kw, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return kw, fmt.Errorf("reading keywords file: %w", err)
	}

	var override Keywords
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return kw, fmt.Errorf("parsing keywords file: %w", err)
	}

	for category, phrases := range override.Services {
		kw.Services[category] = append(kw.Services[category], phrases...)
	}
	for phrase, canonical := range override.Nationalities {
		kw.Nationalities[strings.ToLower(phrase)] = canonical
	}
	return kw, nil
}
