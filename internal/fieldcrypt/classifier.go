// Package fieldcrypt provides field-level protection: detection of sensitive
// fields, authenticated encryption with masked placeholders, and equality
// search over deterministic blind indexes.
package fieldcrypt

import (
	"regexp"
	"strings"

	"github.com/castellan-project/castellan/pkg/models"
)

// FieldConfig is the per-type protection configuration selected by detection
// or supplied as an explicit override.
type FieldConfig struct {
	Type           models.FieldType
	Algorithm      models.KeyAlgorithm
	Classification models.Classification
	Compliance     []models.ComplianceStandard
	MaskPattern    string
	Searchable     bool
}

// Detection is a classifier verdict for one field.
type Detection struct {
	Type       models.FieldType
	Confidence float64
}

// defaultConfigs maps each field type to its protection defaults.
// Searchable is never set for password or api_key: a blind index over a
// secret would hand attackers an offline equality oracle.
var defaultConfigs = map[models.FieldType]FieldConfig{
	models.FieldSSN: {
		Type: models.FieldSSN, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR, models.ComplianceHIPAA},
		MaskPattern:    "XXX-XX-####", Searchable: true,
	},
	models.FieldEmail: {
		Type: models.FieldEmail, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
		MaskPattern:    "####@****", Searchable: true,
	},
	models.FieldPhone: {
		Type: models.FieldPhone, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
		MaskPattern:    "***-***-####", Searchable: true,
	},
	models.FieldAddress: {
		Type: models.FieldAddress, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
	},
	models.FieldName: {
		Type: models.FieldName, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
		MaskPattern:    "#***", Searchable: true,
	},
	models.FieldDOB: {
		Type: models.FieldDOB, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR, models.ComplianceHIPAA},
		MaskPattern:    "****-**-##",
	},
	models.FieldPassport: {
		Type: models.FieldPassport, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
		MaskPattern:    "*####",
	},
	models.FieldLicense: {
		Type: models.FieldLicense, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceGDPR},
		MaskPattern:    "*####",
	},
	models.FieldCreditCard: {
		Type: models.FieldCreditCard, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.CompliancePCIDSS},
		MaskPattern:    "****-****-****-####",
	},
	models.FieldBankAccount: {
		Type: models.FieldBankAccount, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.CompliancePCIDSS, models.ComplianceSOX},
		MaskPattern:    "****####",
	},
	models.FieldRoutingNumber: {
		Type: models.FieldRoutingNumber, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.CompliancePCIDSS, models.ComplianceSOX},
		MaskPattern:    "*****####",
	},
	models.FieldTaxID: {
		Type: models.FieldTaxID, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceSOX},
		MaskPattern:    "**-***####", Searchable: true,
	},
	models.FieldMRN: {
		Type: models.FieldMRN, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceHIPAA},
		MaskPattern:    "***####", Searchable: true,
	},
	models.FieldDiagnosis: {
		Type: models.FieldDiagnosis, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceHIPAA},
	},
	models.FieldMedication: {
		Type: models.FieldMedication, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceHIPAA},
	},
	models.FieldTreatment: {
		Type: models.FieldTreatment, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationRestricted,
		Compliance:     []models.ComplianceStandard{models.ComplianceHIPAA},
	},
	models.FieldInsurance: {
		Type: models.FieldInsurance, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationConfidential,
		Compliance:     []models.ComplianceStandard{models.ComplianceHIPAA},
		MaskPattern:    "***####",
	},
	models.FieldPassword: {
		Type: models.FieldPassword, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationTopSecret,
		MaskPattern:    "********",
	},
	models.FieldAPIKey: {
		Type: models.FieldAPIKey, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationTopSecret,
		MaskPattern:    "********",
	},
	models.FieldGeneric: {
		Type: models.FieldGeneric, Algorithm: models.AlgorithmAES256GCM,
		Classification: models.ClassificationInternal,
	},
}

// nameHint maps a lowercase field-name fragment to a type with the
// confidence of the name heuristic alone.
type nameHint struct {
	fragment   string
	fieldType  models.FieldType
	confidence float64
}

// Matching is by fragment containment after separator stripping; the highest
// confidence wins, so "credit_card_number" resolves to credit_card rather
// than the weaker account-number style hints.
var nameHints = []nameHint{
	{"social_security", models.FieldSSN, 0.9},
	{"creditcard", models.FieldCreditCard, 0.9},
	{"credit_card", models.FieldCreditCard, 0.9},
	{"bank_account", models.FieldBankAccount, 0.9},
	{"routing_number", models.FieldRoutingNumber, 0.9},
	{"routing", models.FieldRoutingNumber, 0.7},
	{"medical_record", models.FieldMRN, 0.9},
	{"date_of_birth", models.FieldDOB, 0.9},
	{"birth_date", models.FieldDOB, 0.85},
	{"drivers_license", models.FieldLicense, 0.9},
	{"api_key", models.FieldAPIKey, 0.9},
	{"apikey", models.FieldAPIKey, 0.9},
	{"passport", models.FieldPassport, 0.85},
	{"diagnosis", models.FieldDiagnosis, 0.85},
	{"medication", models.FieldMedication, 0.85},
	{"treatment", models.FieldTreatment, 0.8},
	{"insurance", models.FieldInsurance, 0.8},
	{"password", models.FieldPassword, 0.9},
	{"tax_id", models.FieldTaxID, 0.85},
	{"taxid", models.FieldTaxID, 0.85},
	{"address", models.FieldAddress, 0.75},
	{"email", models.FieldEmail, 0.85},
	{"phone", models.FieldPhone, 0.8},
	{"mobile", models.FieldPhone, 0.75},
	{"ssn", models.FieldSSN, 0.9},
	{"mrn", models.FieldMRN, 0.8},
	{"dob", models.FieldDOB, 0.8},
	{"name", models.FieldName, 0.6},
	{"secret", models.FieldAPIKey, 0.7},
	{"token", models.FieldAPIKey, 0.7},
	{"account_number", models.FieldBankAccount, 0.8},
	{"card_number", models.FieldCreditCard, 0.85},
}

// valuePattern scores a value-shape regex match.
type valuePattern struct {
	re         *regexp.Regexp
	fieldType  models.FieldType
	confidence float64
}

var valuePatterns = []valuePattern{
	{regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`), models.FieldSSN, 0.95},
	{regexp.MustCompile(`^\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}$`), models.FieldCreditCard, 0.9},
	{regexp.MustCompile(`^[\w.+-]+@[\w-]+\.[\w.]+$`), models.FieldEmail, 0.9},
	{regexp.MustCompile(`^\+?1?[- .]?\(?\d{3}\)?[- .]?\d{3}[- .]?\d{4}$`), models.FieldPhone, 0.8},
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), models.FieldDOB, 0.5},
	{regexp.MustCompile(`^\d{9}$`), models.FieldRoutingNumber, 0.4},
}

// Classifier detects sensitive field types from names and values.
type Classifier struct {
	overrides map[string]FieldConfig
}

// NewClassifier creates a classifier. Overrides map exact field names to
// explicit configurations that beat detection.
func NewClassifier(overrides map[string]FieldConfig) *Classifier {
	return &Classifier{overrides: overrides}
}

// Detect returns the most confident field type for a name/value pair.
// Unknown fields come back as generic with zero confidence.
func (c *Classifier) Detect(fieldName, value string) Detection {
	best := Detection{Type: models.FieldGeneric}

	normalized := strings.ToLower(fieldName)
	compact := strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	for _, hint := range nameHints {
		fragment := strings.NewReplacer("_", "", "-", "").Replace(hint.fragment)
		if strings.Contains(compact, fragment) && hint.confidence > best.Confidence {
			best = Detection{Type: hint.fieldType, Confidence: hint.confidence}
		}
	}

	for _, pattern := range valuePatterns {
		if pattern.re.MatchString(value) && pattern.confidence > best.Confidence {
			best = Detection{Type: pattern.fieldType, Confidence: pattern.confidence}
		}
	}

	return best
}

// ConfigFor resolves the protection configuration for a field: explicit
// override first, then the detected type's defaults.
func (c *Classifier) ConfigFor(fieldName, value string) (FieldConfig, Detection) {
	if override, ok := c.overrides[fieldName]; ok {
		return override, Detection{Type: override.Type, Confidence: 1}
	}
	detection := c.Detect(fieldName, value)
	return defaultConfigs[detection.Type], detection
}

// DefaultConfig returns the built-in configuration for a field type.
func DefaultConfig(fieldType models.FieldType) FieldConfig {
	if cfg, ok := defaultConfigs[fieldType]; ok {
		return cfg
	}
	return defaultConfigs[models.FieldGeneric]
}
