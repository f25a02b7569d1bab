package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "train", false},
		{"single char", "a", false},
		{"with digits", "train-2024", false},
		{"underscores", "data_prep", false},
		{"mixed case", "NightlyTrain", false},
		{"max length", strings.Repeat("a", 128), false},

		// Invalid identifiers - injection attempts
		{"empty", "", true},
		{"path traversal", "../etc/passwd", true},
		{"slash", "jobs/train", true},
		{"dot", "train.v2", true},
		{"key separator", "train:eval", true},
		{"newline injection", "train\neval", true},
		{"spaces", "data prep", true},
		{"special chars", "train@#$", true},
		{"unicode", "trainâ„¢", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"prep", "train", "eval"}, false},
		{"one invalid", []string{"prep", "bad!", "eval"}, true},
		{"all invalid", []string{"a/b", "c.d"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifiers(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifiers(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"passthrough", "train", "train", false},
		{"whitespace trimmed", "  train  ", "train", false},
		{"invalid rejected", "bad!", "", true},
		{"whitespace only", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
