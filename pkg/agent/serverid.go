package agent

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pinacle-sh/pinacle/pkg/ids"
)

// serverConfigFile is the on-host identity file. The ID inside is the only
// thing the control plane uses to recognize this host; hostname and IP may
// change, the file must not.
type serverConfigFile struct {
	ServerID string `json:"serverId"`
}

// LoadOrCreateServerID returns the host's stable server ID, generating and
// persisting one on first boot.
func LoadOrCreateServerID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var cfg serverConfigFile
		if jerr := json.Unmarshal(raw, &cfg); jerr != nil {
			return "", fmt.Errorf("parse %s: %w", path, jerr)
		}
		if cfg.ServerID == "" {
			return "", fmt.Errorf("%s has no serverId", path)
		}
		return cfg.ServerID, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id := ids.NewServerID()
	raw, err = json.MarshalIndent(serverConfigFile{ServerID: id}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("persist %s: %w", path, err)
	}
	return id, nil
}
