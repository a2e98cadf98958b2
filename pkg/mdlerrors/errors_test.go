package mdlerrors

import (
	"net/http"
	"testing"
)

func TestMDLError_Error(t *testing.T) {
	err := New(CategoryDataIntegrity, ErrDigestMismatch, "digest mismatch for %s/%s", "org.iso.18013.5.1", "age_over_21")
	want := "[DATA_INTEGRITY 83001] digest mismatch for org.iso.18013.5.1/age_over_21"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMDLError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		want     int
	}{
		{"document format", CategoryDocumentFormat, http.StatusBadRequest},
		{"issuer auth", CategoryIssuerAuth, http.StatusUnprocessableEntity},
		{"device auth", CategoryDeviceAuth, http.StatusUnprocessableEntity},
		{"data integrity", CategoryDataIntegrity, http.StatusUnprocessableEntity},
		{"unknown", CategoryUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &MDLError{Category: tt.category}
			if got := err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCategory_String(t *testing.T) {
	tests := []struct {
		category Category
		want     string
	}{
		{CategoryDocumentFormat, "DOCUMENT_FORMAT"},
		{CategoryIssuerAuth, "ISSUER_AUTH"},
		{CategoryDeviceAuth, "DEVICE_AUTH"},
		{CategoryDataIntegrity, "DATA_INTEGRITY"},
		{CategoryUnknown, "UNKNOWN"},
		{Category(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.category.String(); got != tt.want {
			t.Errorf("Category(%d).String() = %q, want %q", tt.category, got, tt.want)
		}
	}
}
