package patient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestCreatePatientInput_Validate(t *testing.T) {
	tests := []struct {
		name   string
		in     CreatePatientInput
		fields []string
	}{
		{"valid", CreatePatientInput{Name: strPtr("Ann"), Age: intPtr(54)}, nil},
		{"age zero", CreatePatientInput{Name: strPtr("Newborn"), Age: intPtr(0)}, nil},
		{"missing both", CreatePatientInput{}, []string{"name", "age"}},
		{"blank name", CreatePatientInput{Name: strPtr("   "), Age: intPtr(40)}, []string{"name"}},
		{"negative age", CreatePatientInput{Name: strPtr("Bo"), Age: intPtr(-1)}, []string{"age"}},
		{"age too large", CreatePatientInput{Name: strPtr("Bo"), Age: intPtr(151)}, []string{"age"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			var got []string
			for _, f := range verr.Fields {
				got = append(got, f.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestObservationInput_Validate(t *testing.T) {
	assert.NoError(t, ObservationInput{Type: "Heart Rate", Value: "72"}.Validate())

	var verr *ValidationError
	require.ErrorAs(t, ObservationInput{Type: " ", Value: ""}.Validate(), &verr)
	assert.Len(t, verr.Fields, 2)

	zero := time.Time{}
	require.ErrorAs(t, ObservationInput{Type: "Heart Rate", Value: "72", Date: &zero}.Validate(), &verr)
	assert.Equal(t, "date", verr.Fields[0].Field)
}

func TestPatient_JSONShape(t *testing.T) {
	p := &Patient{Name: "Ann", Age: 54}
	p.normalize()

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"id", "name", "age", "clinicalData", "criticalCondition", "createdAt", "updatedAt"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, []any{}, m["clinicalData"])
	assert.Equal(t, false, m["criticalCondition"])
}

func TestParseID(t *testing.T) {
	_, err := ParseID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)

	id, err := ParseID(" 3f2b8c1e-8a57-4c0e-9d43-2b8f6f0f4a11 ")
	require.NoError(t, err)
	assert.Equal(t, "3f2b8c1e-8a57-4c0e-9d43-2b8f6f0f4a11", id.String())
}

func TestValidationError_Message(t *testing.T) {
	verr := &ValidationError{}
	assert.NoError(t, verr.OrNil())
	verr.Add("name", "is required")
	verr.Add("", "check failed")
	assert.Equal(t, "validation failed: name is required; check failed", verr.Error())
}
