package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	for _, v := range []int{0, CurrentVersion} {
		if err := ValidateVersion(v); err != nil {
			t.Fatalf("version %d: unexpected error %v", v, err)
		}
	}
	if err := ValidateVersion(-1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative version: expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte("version: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VersionError, got %T: %v", err, err)
	}
	if ve.Version != 99 || !strings.Contains(ve.Error(), "upgrade warden") {
		t.Fatalf("unexpected error: %v", ve)
	}
}

func TestVersionErrorNilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("expected empty string from nil VersionError, got %q", got)
	}
}
