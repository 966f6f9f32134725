package security

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	first, errGenerate := GenerateAPIKey()
	if errGenerate != nil {
		t.Fatal(errGenerate)
	}
	if !strings.HasPrefix(first, apiKeyPrefix) {
		t.Errorf("key %q missing prefix %q", first, apiKeyPrefix)
	}
	if len(first) != len(apiKeyPrefix)+64 {
		t.Errorf("key length = %d, want %d", len(first), len(apiKeyPrefix)+64)
	}

	second, errGenerate := GenerateAPIKey()
	if errGenerate != nil {
		t.Fatal(errGenerate)
	}
	if first == second {
		t.Error("consecutive keys are identical")
	}
}
