package config

import "fmt"

// CurrentVersion is the newest configuration layout this build understands.
// A file without a version is read as the current layout.
const CurrentVersion = 1

// VersionError reports a configuration file written for a newer build.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade warden to continue", e.Version, e.Current)
}

// ValidateVersion accepts an omitted version and every version up to
// CurrentVersion.
func ValidateVersion(version int) error {
	if version < 0 {
		return fmt.Errorf("%w: version must not be negative", ErrInvalidConfig)
	}
	if version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
