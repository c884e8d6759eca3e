package classify

import (
	"regexp"

	"github.com/castellan-project/castellan/pkg/models"
)

// MatcherType selects how a rule's pattern is applied.
type MatcherType string

const (
	MatchRegex    MatcherType = "regex"
	MatchKeyword  MatcherType = "keyword"
	MatchFilename MatcherType = "filename"
)

// Rule is one classification rule. Regex patterns are compiled once at
// registration.
type Rule struct {
	ID             string
	Name           string
	Matcher        MatcherType
	Pattern        string
	Classification models.Classification
	Sensitivity    models.Sensitivity
	Compliance     []models.ComplianceStandard
	Priority       int
	Confidence     float64

	re *regexp.Regexp
}

// Score ranks competing matches. Higher priority and higher confidence both
// raise the score.
func (r *Rule) Score() float64 {
	return float64(r.Priority) * r.Confidence
}

// builtinRules is the default rule set, ordered roughly by specificity.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID: "ssn-pattern", Name: "US social security number", Matcher: MatchRegex,
			Pattern:        `\b\d{3}-\d{2}-\d{4}\b`,
			Classification: models.ClassificationRestricted, Sensitivity: models.SensitivityCritical,
			Compliance: []models.ComplianceStandard{models.ComplianceGDPR, models.ComplianceHIPAA},
			Priority:   100, Confidence: 0.95,
		},
		{
			ID: "credit-card-pattern", Name: "payment card number", Matcher: MatchRegex,
			Pattern:        `\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`,
			Classification: models.ClassificationRestricted, Sensitivity: models.SensitivityCritical,
			Compliance: []models.ComplianceStandard{models.CompliancePCIDSS},
			Priority:   100, Confidence: 0.9,
		},
		{
			ID: "medical-keywords", Name: "medical record content", Matcher: MatchKeyword,
			Pattern:        "diagnosis",
			Classification: models.ClassificationRestricted, Sensitivity: models.SensitivityHigh,
			Compliance: []models.ComplianceStandard{models.ComplianceHIPAA},
			Priority:   80, Confidence: 0.7,
		},
		{
			ID: "financial-keywords", Name: "financial statement content", Matcher: MatchKeyword,
			Pattern:        "revenue",
			Classification: models.ClassificationConfidential, Sensitivity: models.SensitivityModerate,
			Compliance: []models.ComplianceStandard{models.ComplianceSOX},
			Priority:   60, Confidence: 0.6,
		},
		{
			ID: "email-pattern", Name: "email address", Matcher: MatchRegex,
			Pattern:        `\b[\w.+-]+@[\w-]+\.[\w.]+\b`,
			Classification: models.ClassificationConfidential, Sensitivity: models.SensitivityModerate,
			Compliance: []models.ComplianceStandard{models.ComplianceGDPR},
			Priority:   50, Confidence: 0.8,
		},
		{
			ID: "key-material-filename", Name: "key material file", Matcher: MatchFilename,
			Pattern:        `\.(pem|key|p12)$`,
			Classification: models.ClassificationTopSecret, Sensitivity: models.SensitivityCritical,
			Priority:       120, Confidence: 0.9,
		},
		{
			ID: "confidential-marker", Name: "confidential marking", Matcher: MatchKeyword,
			Pattern:        "confidential",
			Classification: models.ClassificationConfidential, Sensitivity: models.SensitivityModerate,
			Priority:       40, Confidence: 0.5,
		},
	}
}
