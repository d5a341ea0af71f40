package profile

import "fmt"

// DefaultName is used when neither the flag nor config.toml names a profile.
const DefaultName = "main"

// Resolve picks the profile named by the --profile flag, else the
// configured default_profile, else DefaultName. The chosen name must be
// valid.
func Resolve(flagValue, configured string) (string, error) {
	switch {
	case flagValue != "":
		return flagValue, ValidateName(flagValue)
	case configured != "":
		if err := ValidateName(configured); err != nil {
			return "", fmt.Errorf("default_profile in config: %w", err)
		}
		return configured, nil
	}
	return DefaultName, nil
}
