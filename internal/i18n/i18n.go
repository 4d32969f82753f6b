// Package i18n is a minimal localization lookup standing in for the desktop
// shell's real translation layer, which socket-transfer treats as an
// external collaborator (see SPEC_FULL.md). It loads a small embedded
// locale table with gopkg.in/yaml.v3, the same library and loading style
// used by internal/config and internal/applog for their own YAML files.
package i18n

import (
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// defaultLocale is the embedded fallback table, keyed by message id. A
// deployment may override individual keys via configs/i18n.yaml.
const defaultLocale = `
port_already_used: "port already in use: "
failed_to_start_socket_transfer: "failed to start socket transfer"
`

var (
	once  sync.Once
	table map[string]string
)

func load() {
	table = map[string]string{}
	_ = yaml.Unmarshal([]byte(defaultLocale), &table)

	for _, path := range []string{"configs/i18n.yaml", "configs/i18n.yml"} {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		override := map[string]string{}
		if err := yaml.Unmarshal(b, &override); err != nil {
			continue
		}
		for k, v := range override {
			table[k] = v
		}
	}
}

// Lookup returns the localized string for key, or the key itself if no
// translation is registered. This mirrors the collaborator contract in
// spec section 6: `i18n.lookup(key) -> string`.
func Lookup(key string) string {
	once.Do(load)
	if v, ok := table[strings.TrimSpace(key)]; ok {
		return v
	}
	return key
}
