package cmd

import (
	"os/exec"
	"strings"

	"github.com/spf13/viper"

	"github.com/xandwr/mcpd/internal/registry"
)

// openStore opens the registry file named by the registry_path setting
// (MCPD_REGISTRY_PATH, or mcpd.yaml once LoadConfig has read it), or the
// default ~/.config/mcpd/registry.json.
func openStore() (*registry.FileStore, error) {
	path := viper.GetString("registry_path")
	if path == "" {
		var err error
		path, err = registry.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return registry.OpenFileStore(path)
}

// resolveCommand resolves command[0] via PATH lookup when it contains no
// slash, matching a plain executable name the way a shell would; a name
// with a slash, or one the lookup cannot find, is kept as given.
func resolveCommand(command []string) []string {
	if len(command) == 0 || strings.Contains(command[0], "/") {
		return command
	}
	resolved, err := exec.LookPath(command[0])
	if err != nil {
		return command
	}
	out := append([]string{resolved}, command[1:]...)
	return out
}

// parseEnvPairs turns ["KEY=VALUE", ...] into a map, skipping malformed
// entries.
func parseEnvPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}
