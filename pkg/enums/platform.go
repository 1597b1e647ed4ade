package enums

import "fmt"

// Platform describes the allowed values for the `platform` column in user_devices.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

var validPlatforms = []Platform{
	PlatformAndroid,
	PlatformIOS,
	PlatformWeb,
}

// IsValid reports whether the value matches the canonical platform enum.
func (p Platform) IsValid() bool {
	for _, candidate := range validPlatforms {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePlatform converts the raw string to Platform.
func ParsePlatform(value string) (Platform, error) {
	for _, candidate := range validPlatforms {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid platform %q", value)
}
