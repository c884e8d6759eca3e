package fieldcrypt

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

func newTestEncryptor(t *testing.T, opts ...Option) *Encryptor {
	t.Helper()
	e, err := NewEncryptor(crypto.NewService(nil), opts...)
	require.NoError(t, err)
	return e
}

func TestDetect(t *testing.T) {
	t.Parallel()
	classifier := NewClassifier(nil)

	tests := []struct {
		name      string
		fieldName string
		value     string
		want      models.FieldType
	}{
		{"ssn by name", "ssn", "foo", models.FieldSSN},
		{"ssn by value shape", "customer_number", "123-45-6789", models.FieldSSN},
		{"credit card by name", "creditCardNumber", "", models.FieldCreditCard},
		{"credit card by value", "payment", "4111 1111 1111 1111", models.FieldCreditCard},
		{"email by name", "contact_email", "", models.FieldEmail},
		{"email by value", "contact", "alice@example.com", models.FieldEmail},
		{"password", "user_password", "hunter2", models.FieldPassword},
		{"api key", "stripe_api_key", "sk_live_xxx", models.FieldAPIKey},
		{"medical record", "medical_record_number", "MRN-1", models.FieldMRN},
		{"unknown", "quantity", "42", models.FieldGeneric},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			detection := classifier.Detect(tc.fieldName, tc.value)
			assert.Equal(t, tc.want, detection.Type)
			if tc.want != models.FieldGeneric {
				assert.Greater(t, detection.Confidence, 0.5)
			}
		})
	}
}

func TestEncryptFieldRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEncryptor(t)

	t.Run("string value", func(t *testing.T) {
		field, err := e.EncryptField("123-45-6789", "ssn", nil)
		require.NoError(t, err)

		assert.Equal(t, models.FieldSSN, field.FieldType)
		assert.NotEmpty(t, field.Ciphertext)
		assert.NotEmpty(t, field.SearchHash)
		assert.NotContains(t, field.Ciphertext, "123-45")

		plain, err := e.DecryptField(field)
		require.NoError(t, err)
		assert.Equal(t, "123-45-6789", plain)
	})

	t.Run("numeric string survives as string", func(t *testing.T) {
		cfg := DefaultConfig(models.FieldBankAccount)
		field, err := e.EncryptField("000123456789", "account", &cfg)
		require.NoError(t, err)

		plain, err := e.DecryptField(field)
		require.NoError(t, err)
		assert.Equal(t, "000123456789", plain)
	})

	t.Run("structured value round-trips through json", func(t *testing.T) {
		cfg := DefaultConfig(models.FieldDiagnosis)
		field, err := e.EncryptField(map[string]any{"code": "J45", "severity": "mild"}, "diagnosis", &cfg)
		require.NoError(t, err)

		plain, err := e.DecryptField(field)
		require.NoError(t, err)
		parsed, ok := plain.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "J45", parsed["code"])
	})

	t.Run("secrets never get a search hash", func(t *testing.T) {
		cfg := DefaultConfig(models.FieldPassword)
		cfg.Searchable = true
		field, err := e.EncryptField("hunter2", "password", &cfg)
		require.NoError(t, err)
		assert.Empty(t, field.SearchHash)
	})
}

func TestMaskValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		plaintext string
		pattern   string
		want      string
	}{
		{"ssn keeps last four", "123456789", "XXX-XX-####", "XXX-XX-6789"},
		{"ssn with dashes", "123-45-6789", "XXX-XX-####", "XXX-XX-6789"},
		{"short plaintext pads with question marks", "12", "XXX-XX-####", "XXX-XX-12??"},
		{"no placeholders", "anything", "********", "********"},
		{"empty pattern", "anything", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, maskValue(tc.plaintext, tc.pattern))
		})
	}
}

func TestBulkEncryptDecrypt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEncryptor(t)

	record := map[string]any{
		"ssn":      "123-45-6789",
		"email":    "alice@example.com",
		"quantity": 42,
		"comment":  "hello",
	}

	encrypted, err := e.EncryptFields(ctx, record, true)
	require.NoError(t, err)

	assert.True(t, encrypted["ssn"].IsEncrypted())
	assert.True(t, encrypted["email"].IsEncrypted())
	assert.False(t, encrypted["quantity"].IsEncrypted())
	assert.False(t, encrypted["comment"].IsEncrypted())

	decrypted, err := e.DecryptFields(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", decrypted["ssn"])
	assert.Equal(t, "alice@example.com", decrypted["email"])
	assert.Equal(t, 42, decrypted["quantity"])
}

func TestDecryptFailureFallsBackToMask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEncryptor(t)

	field, err := e.EncryptField("123-45-6789", "ssn", nil)
	require.NoError(t, err)
	require.Equal(t, "XXX-XX-6789", field.MaskedValue)

	// Corrupt the auth tag so decryption fails authentication.
	field.AuthTag = field.IV

	decrypted, err := e.DecryptFields(ctx, map[string]models.FieldValue{"ssn": models.EncryptedValue(field)})
	require.NoError(t, err)
	assert.Equal(t, "XXX-XX-6789", decrypted["ssn"])
}

func TestSearchEncryptedFields(t *testing.T) {
	t.Parallel()
	e := newTestEncryptor(t)

	records := make([]map[string]models.FieldValue, 0, 3)
	for _, ssn := range []string{"111-11-1111", "222-22-2222", "111-11-1111"} {
		field, err := e.EncryptField(ssn, "ssn", nil)
		require.NoError(t, err)
		records = append(records, map[string]models.FieldValue{"ssn": models.EncryptedValue(field)})
	}

	matches, err := e.SearchEncryptedFields(records, "ssn", "111-11-1111")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, matches)

	matches, err = e.SearchEncryptedFields(records, "ssn", "999-99-9999")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestValidateCompliance(t *testing.T) {
	t.Parallel()
	e := newTestEncryptor(t)

	field, err := e.EncryptField("123-45-6789", "ssn", nil)
	require.NoError(t, err)

	t.Run("configured standards pass", func(t *testing.T) {
		err := e.ValidateCompliance("ssn", field, []models.ComplianceStandard{models.ComplianceGDPR, models.ComplianceHIPAA})
		assert.NoError(t, err)
	})

	t.Run("unconfigured standard fails", func(t *testing.T) {
		err := e.ValidateCompliance("ssn", field, []models.ComplianceStandard{models.CompliancePCIDSS})
		require.Error(t, err)
		var ce *errors.ComplianceError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("weak algorithm fails", func(t *testing.T) {
		weak := *field
		weak.Algorithm = "AES-128-CBC"
		err := e.ValidateCompliance("ssn", &weak, nil)
		require.Error(t, err)
	})

	t.Run("missing key fails", func(t *testing.T) {
		orphan := *field
		orphan.KeyID = "no-such-key"
		err := e.ValidateCompliance("ssn", &orphan, nil)
		require.Error(t, err)
	})
}

func TestFieldOperationMetrics(t *testing.T) {
	metrics.ResetRegistry()
	core := metrics.NewCoreMetrics()
	e := newTestEncryptor(t, WithMetrics(core))

	field, err := e.EncryptField("123-45-6789", "ssn", nil)
	require.NoError(t, err)
	_, err = e.DecryptField(field)
	require.NoError(t, err)

	tampered := *field
	tampered.Ciphertext = "not base64!!"
	_, err = e.DecryptField(&tampered)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(core.FieldOperations.WithLabelValues("encrypt", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.FieldOperations.WithLabelValues("decrypt", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.FieldOperations.WithLabelValues("decrypt", "failure")))
}
