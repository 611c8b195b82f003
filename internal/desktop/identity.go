package desktop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/avaropoint/remotecast/internal/security"
)

// IdentityFile is the name of the unattended identity file in the state
// directory.
const IdentityFile = "unattended.yaml"

// Identity is how an unattended desktop is known to the relay across
// restarts.
type Identity struct {
	SessionID string `yaml:"session_id"`
	AccessKey string `yaml:"access_key"`
}

// LoadOrCreateIdentity fills in the unattended identity. Configured
// values win; missing ones come from the identity file in dir, and
// anything still missing is generated and written back with mode 0600.
func LoadOrCreateIdentity(dir, sessionID, accessKey string) (Identity, error) {
	id := Identity{SessionID: sessionID, AccessKey: accessKey}
	if id.SessionID != "" && id.AccessKey != "" {
		return id, nil
	}

	path := filepath.Join(dir, IdentityFile)
	var stored Identity
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &stored); err != nil {
			return Identity{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Identity{}, fmt.Errorf("read %s: %w", path, err)
	}

	if id.SessionID == "" {
		id.SessionID = stored.SessionID
	}
	if id.AccessKey == "" {
		id.AccessKey = stored.AccessKey
	}
	if id.SessionID == "" {
		id.SessionID = security.NewUnattendedSessionID()
	}
	if id.AccessKey == "" {
		key, err := security.GenerateAccessKey()
		if err != nil {
			return Identity{}, fmt.Errorf("generate access key: %w", err)
		}
		id.AccessKey = key
	}
	if id == stored {
		return id, nil
	}

	out, err := yaml.Marshal(id)
	if err != nil {
		return Identity{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(path, out, 0o600); err != nil {
		return Identity{}, fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}
