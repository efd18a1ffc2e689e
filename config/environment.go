package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Environment names a deployment flavour. It selects the config file and is
// logged at startup.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"

	appEnvVar     = "APP_ENV"
	configPathVar = "CRYPTOFEED_CONFIG"

	// DefaultConfigPath is used when neither -config nor CRYPTOFEED_CONFIG is set.
	DefaultConfigPath = "config/config.yml"
)

var environmentAliases = map[string]Environment{
	"dev":   Development,
	"local": Development,
	"stag":  Staging,
	"stage": Staging,
	"prod":  Production,
}

// currentEnvironment reads APP_ENV; unset means development. Unknown
// values pass through lowercased.
func currentEnvironment() Environment {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return Development
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return Environment(env)
}

// file returns the environment's own config file next to the default one,
// e.g. config/config.production.yml. Development uses the default file.
func (e Environment) file() string {
	if e == Development {
		return DefaultConfigPath
	}
	dir, base := filepath.Split(DefaultConfigPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+"."+string(e)+ext)
}

// ResolveConfigPath picks the config file to load. An explicit path wins,
// then CRYPTOFEED_CONFIG, then the APP_ENV file if it exists on disk, then
// DefaultConfigPath.
func ResolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if p := strings.TrimSpace(os.Getenv(configPathVar)); p != "" {
		return p
	}
	if p := currentEnvironment().file(); p != DefaultConfigPath {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return DefaultConfigPath
}

func AppEnvironment() string {
	return string(currentEnvironment())
}
