package models

import (
	"encoding/json"
	"fmt"
)

// Template describes an image and the provisioning it needs. The catalog
// itself lives outside the core; this is the typed descriptor the
// orchestrator consumes.
type Template struct {
	Name  string `json:"name"`
	Image string `json:"image"`

	// Ports the template wants published in addition to nginx-proxy,
	// name -> internal port.
	Ports map[string]int `json:"ports,omitempty"`

	// InstallCommands run inside the container, in order, on first provision
	// only. Subsequent starts skip them.
	InstallCommands []TemplateCommand `json:"installCommands,omitempty"`

	// PostInstallCommand is the per-template hook run after all installs.
	PostInstallCommand string `json:"postInstallCommand,omitempty"`

	// QuiesceCommand, when set, is run best-effort before a snapshot export
	// to flush the workload's state to disk.
	QuiesceCommand string `json:"quiesceCommand,omitempty"`

	// Env is merged into the container environment.
	Env map[string]string `json:"env,omitempty"`
}

// TemplateCommand is one named install step.
type TemplateCommand struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// PodConfig is the decoded pod configuration blob. All JSON parsing happens
// at the control-plane edge; the orchestrator only ever sees this struct.
type PodConfig struct {
	Template Template          `json:"template"`
	Tier     Tier              `json:"tier"`
	Services map[string]bool   `json:"services,omitempty"`
	EnvSetID string            `json:"envSetId,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// DecodePodConfig parses the serialized config column of a pod row.
func DecodePodConfig(raw string) (PodConfig, error) {
	var cfg PodConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return PodConfig{}, fmt.Errorf("decode pod config: %w", err)
	}
	if cfg.Template.Image == "" {
		return PodConfig{}, fmt.Errorf("pod config has no template image")
	}
	return cfg, nil
}

// Encode serializes the config for storage.
func (c PodConfig) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
