package patternengine

import "strings"

// Category is a unified threat taxonomy used to compare findings across
// rule sources (built-in rules, a loaded category-specific RuleSet, or a
// category string attached to a harvested self-mod insight).
type Category string

const (
	CategoryInstructionOverride Category = "instruction_override"
	CategoryJailbreak           Category = "jailbreak"
	CategoryDataExfil           Category = "data_exfil"
	CategoryCommandInjection    Category = "command_injection"
	CategoryFileAccess          Category = "file_access"
	CategoryImpersonation       Category = "impersonation"
	CategorySocialEngineering   Category = "social_engineering"
	CategoryObfuscation         Category = "obfuscation"
	CategoryIndirectInjection   Category = "indirect_injection"
	CategoryUnknown             Category = "unknown"
)

// owaspMapping cross-references a Category to the OWASP LLM Top 10 so the
// Injection Detector's warn context can name findings by an external
// standard instead of this repo's internal naming.
var owaspMapping = map[Category]string{
	CategoryInstructionOverride: "LLM01",
	CategoryJailbreak:           "LLM01",
	CategoryDataExfil:           "LLM02",
	CategoryCommandInjection:    "LLM03",
	CategoryFileAccess:          "LLM03",
	CategoryImpersonation:       "LLM01",
	CategorySocialEngineering:   "LLM01",
	CategoryObfuscation:         "LLM01",
	CategoryIndirectInjection:   "LLM08",
}

// aliases maps rule-category strings (as used in rules.go) onto the
// unified Category taxonomy.
var aliases = map[string]Category{
	"instruction_override": CategoryInstructionOverride,
	"jailbreak":             CategoryJailbreak,
	"data_exfil":            CategoryDataExfil,
	"command_injection":     CategoryCommandInjection,
	"file_access":           CategoryFileAccess,
	"impersonation":         CategoryImpersonation,
	"social_engineering":    CategorySocialEngineering,
	"obfuscation":           CategoryObfuscation,
	"indirect_injection":    CategoryIndirectInjection,
}

// NormalizeCategory converts any rule/category string to the unified
// taxonomy, falling back to a keyword heuristic for unrecognized strings
// (e.g. a category name supplied by a harvested third-party insight).
func NormalizeCategory(category string) Category {
	if category == "" {
		return CategoryUnknown
	}
	if c, ok := aliases[category]; ok {
		return c
	}
	lower := strings.ToLower(category)
	switch {
	case containsAny(lower, "inject", "override", "ignore", "bypass"):
		return CategoryInstructionOverride
	case containsAny(lower, "jailbreak", "dan", "unrestrict", "persona"):
		return CategoryJailbreak
	case containsAny(lower, "exfil", "extract", "leak", "expose"):
		return CategoryDataExfil
	case containsAny(lower, "exec", "shell", "command", "code"):
		return CategoryCommandInjection
	case containsAny(lower, "obfusc", "encod", "evas"):
		return CategoryObfuscation
	case containsAny(lower, "social", "manipul", "urgen", "pressure"):
		return CategorySocialEngineering
	case containsAny(lower, "file", "path", "traversal"):
		return CategoryFileAccess
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// OWASP returns the OWASP LLM Top 10 identifier for a Category, or "" if
// there is no mapping (e.g. CategoryUnknown).
func (c Category) OWASP() string {
	return owaspMapping[c]
}
