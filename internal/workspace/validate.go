// Package workspace prepares and tears down git checkouts for
// workspace-mode workers: validated clone, a per-run work branch, diff
// capture after the agent finishes, and cleanup.
package workspace

import (
	"net/url"
	"strings"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Repository URLs, branch names and run ids all end up on git command
// lines. Everything here exists to keep attacker-controlled values from
// being parsed as options by git or ssh.

// allowedSchemes are the URL prefixes git may clone from. file:// and
// anything else local is rejected.
var allowedSchemes = []string{"https://", "ssh://", "git@"}

// ValidateRepoURL rejects repository URLs that could inject options into
// git or ssh. Percent-encoded user and host portions are decoded before
// the leading-dash checks so %2D cannot smuggle a flag past them.
func ValidateRepoURL(repoURL string) error {
	if repoURL == "" {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate", "repository URL is required")
	}
	if strings.HasPrefix(repoURL, "-") {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate", "repository URL must not start with '-'")
	}

	scheme := ""
	for _, s := range allowedSchemes {
		if strings.HasPrefix(repoURL, s) {
			scheme = s
			break
		}
	}
	if scheme == "" {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate",
			"repository URL must use one of %s", strings.Join(allowedSchemes, ", "))
	}

	// git clone is invoked with "--" so git itself cannot mistake the URL
	// for a flag, but ssh still parses the user and host portions. A URL
	// like ssh://-oProxyCommand=...@host/repo reaches ssh as an option.
	switch scheme {
	case "ssh://":
		rest := strings.TrimPrefix(repoURL, "ssh://")
		hostPart := rest
		if user, after, ok := strings.Cut(rest, "@"); ok {
			hostPart = after
			if strings.HasPrefix(decode(user), "-") {
				return fault.Errorf(models.KindInvalidInput, "workspace.validate",
					"repository URL user must not start with '-'")
			}
		}
		host := hostPart
		if i := strings.IndexAny(host, ":/"); i >= 0 {
			host = host[:i]
		}
		host = decode(host)
		if host == "" {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate", "repository URL host is empty")
		}
		if strings.HasPrefix(host, "-") {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate",
				"repository URL host must not start with '-'")
		}
	case "git@":
		// scp-style git@host:path. Decode first: %2D and %3A would
		// otherwise hide the dash or the separator from these checks.
		afterAt := decode(strings.TrimPrefix(repoURL, "git@"))
		sep := strings.IndexAny(afterAt, ":/")
		if sep < 0 {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate",
				"invalid git@ URL: missing path separator")
		}
		host := afterAt[:sep]
		if host == "" {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate", "repository URL host is empty")
		}
		if strings.HasPrefix(host, "-") {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate",
				"repository URL host must not start with '-'")
		}
	}
	return nil
}

// ValidateBranch rejects branch names git could parse as options or that
// fall outside git's own ref rules: leading '-' or '.', consecutive dots,
// a .lock suffix, or characters beyond [A-Za-z0-9/_.-].
func ValidateBranch(branch string) error {
	if branch == "" {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate", "branch name is required")
	}
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(branch, ".") {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate",
			"branch name %q must not start with '-' or '.'", branch)
	}
	if strings.Contains(branch, "..") {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate",
			"branch name %q must not contain '..'", branch)
	}
	if strings.HasSuffix(branch, ".lock") {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate",
			"branch name %q must not end in '.lock'", branch)
	}
	for _, r := range branch {
		if !isBranchRune(r) {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate",
				"branch name %q may only contain letters, digits, '/', '_', '.' and '-'", branch)
		}
	}
	return nil
}

// ValidateRunID confirms a run id is safe to embed in branch names and
// directory paths: letters, digits, '-' and '_' only.
func ValidateRunID(runID string) error {
	if runID == "" {
		return fault.Errorf(models.KindInvalidInput, "workspace.validate", "run id is required")
	}
	for _, r := range runID {
		if !isRunIDRune(r) {
			return fault.Errorf(models.KindInvalidInput, "workspace.validate",
				"run id %q may only contain letters, digits, '-' and '_'", runID)
		}
	}
	return nil
}

func isBranchRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '/' || r == '_' || r == '.' || r == '-':
		return true
	}
	return false
}

func isRunIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// decode resolves percent-encoding, returning the input unchanged when it
// is not valid encoding. Callers check the decoded form so encoded bytes
// cannot bypass validation.
func decode(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}
