package workspace

import (
	"errors"
	"testing"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

func TestValidateRepoURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://github.com/acme/site.git", false},
		{"ssh with user", "ssh://git@github.com/acme/site.git", false},
		{"ssh with port", "ssh://git@github.com:22/acme/site.git", false},
		{"ssh bare host", "ssh://github.com/acme/site.git", false},
		{"scp style colon", "git@github.com:acme/site.git", false},
		{"scp style slash", "git@github.com/acme/site.git", false},

		{"empty", "", true},
		{"leading dash", "-https://github.com/acme/site.git", true},
		{"file scheme", "file:///etc/passwd", true},
		{"plain http", "http://github.com/acme/site.git", true},
		{"bare path", "/srv/git/site.git", true},
		{"ssh option injection via user", "ssh://-oProxyCommand=evil@github.com/site.git", true},
		{"ssh encoded user dash", "ssh://%2DoProxyCommand=evil@github.com/site.git", true},
		{"ssh option injection via host", "ssh://-evil.example.com/site.git", true},
		{"ssh host after user", "ssh://git@-evil.example.com/site.git", true},
		{"ssh encoded host dash", "ssh://git@%2Devil.example.com/site.git", true},
		{"scp host dash", "git@-evil.example.com:site.git", true},
		{"scp encoded host dash", "git@%2Devil.example.com:site.git", true},
		{"scp missing separator", "git@github.com", true},
		{"scp empty host", "git@:acme/site.git", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepoURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRepoURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && fault.KindOf(err) != models.KindInvalidInput {
				t.Errorf("error kind = %q, want invalid_input", fault.KindOf(err))
			}
		})
	}
}

func TestValidateBranch(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"simple", "main", false},
		{"nested", "feature/fix-login", false},
		{"dots and digits", "release-1.2.3", false},
		{"underscores", "wip_branch", false},

		{"empty", "", true},
		{"leading dash", "-delete-everything", true},
		{"leading dot", ".hidden", true},
		{"dotdot traversal", "../etc/passwd", true},
		{"embedded dotdot", "a..b", true},
		{"lock suffix", "main.lock", true},
		{"space", "two words", true},
		{"tilde", "head~1", true},
		{"non ascii", "brånch", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranch(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBranch(%q) error = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		name    string
		runID   string
		wantErr bool
	}{
		{"alnum", "run42", false},
		{"dashes and underscores", "run-42_x", false},

		{"empty", "", true},
		{"slash", "run/42", true},
		{"dot", "run.42", true},
		{"space", "run 42", true},
		{"semicolon", "run;rm", true},
		{"traversal", "../escape", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunID(tt.runID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRunID(%q) error = %v, wantErr %v", tt.runID, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepoURLReportsKind(t *testing.T) {
	err := ValidateRepoURL("git@github.com")
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fault.Error, got %T", err)
	}
	if fe.Kind != models.KindInvalidInput {
		t.Errorf("kind = %q, want %q", fe.Kind, models.KindInvalidInput)
	}
}
