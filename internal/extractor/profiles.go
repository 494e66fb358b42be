package extractor

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed profiles.toml
var profilesTOML []byte

// Profile defines how the extraction tool is invoked for one kind of
// output.
type Profile struct {
	Description string   `toml:"description"`
	Ext         string   `toml:"ext"`
	Args        []string `toml:"args"`
}

// ProfilesConfig holds all profile definitions
type ProfilesConfig struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// ProfileRegistry manages extraction profiles
type ProfileRegistry struct {
	profiles map[string]Profile
}

// NewProfileRegistry creates a registry from the embedded TOML
func NewProfileRegistry() (*ProfileRegistry, error) {
	var config ProfilesConfig
	if err := toml.Unmarshal(profilesTOML, &config); err != nil {
		return nil, fmt.Errorf("parsing profiles.toml: %w", err)
	}

	registry := &ProfileRegistry{
		profiles: config.Profiles,
	}

	registry.loadUserConfig()

	return registry, nil
}

// loadUserConfig merges custom profile definitions from the user's config
// directory; user entries override built-ins of the same name.
func (r *ProfileRegistry) loadUserConfig() {
	configPaths := []string{
		"~/.config/ytmon/profiles.toml",
		"./profiles.toml",
	}

	for _, path := range configPaths {
		if len(path) >= 2 && path[:2] == "~/" {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var userConfig ProfilesConfig
		if err := toml.Unmarshal(data, &userConfig); err != nil {
			continue
		}

		for name, profile := range userConfig.Profiles {
			r.profiles[name] = profile
		}
	}
}

// Get returns the named profile.
func (r *ProfileRegistry) Get(name string) (Profile, error) {
	profile, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown extraction profile %q", name)
	}
	if profile.Ext == "" {
		profile.Ext = "mp4"
	}
	return profile, nil
}

// Names lists the registered profile names.
func (r *ProfileRegistry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}
