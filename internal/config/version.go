package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file whose version this build cannot read.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build reads (%d); upgrade foreman", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (this build reads %d)", e.Version, e.Current)
}

// ValidateVersion rejects config versions this build cannot interpret.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
