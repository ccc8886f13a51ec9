package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const machineIDFile = ".convsync-machine-id"

// resolveMachineID returns a stable machine identity. An explicit configured
// id wins; otherwise the id persisted next to the brain directory is reused,
// generating and saving a fresh one on first run.
func resolveMachineID(fs afero.Fs, configured, brainDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(filepath.Dir(filepath.Clean(brainDir)), machineIDFile)

	data, err := afero.ReadFile(fs, path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := afero.WriteFile(fs, path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	return id, nil
}

// defaultMachineName falls back to the hostname when no name is configured.
func defaultMachineName(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unnamed"
}
