package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("current version rejected: %v", err)
	}

	for _, version := range []int{0, -1, CurrentVersion + 1} {
		err := ValidateVersion(version)
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d): expected *VersionError, got %T", version, err)
		}
		if ve.Version != version {
			t.Errorf("reported version = %d, want %d", ve.Version, version)
		}
	}

	// A too-new config points the operator at upgrading, not editing.
	err := ValidateVersion(CurrentVersion + 1)
	if !strings.Contains(err.Error(), "upgrade") {
		t.Errorf("newer-version error = %q, want upgrade hint", err)
	}
}

func TestVersionErrorNilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("nil VersionError renders %q, want empty", got)
	}
}
