package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/docflow/pkg/types"
)

// GenerateKey mints a new API key. The secret is 32 random bytes hex
// encoded with a recognizable prefix; the key id is independent of the
// secret so logs can name keys without exposing them.
func GenerateKey(name string, projects []string, expiresAt *time.Time) (*types.APIKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	id := make([]byte, 6)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	if len(projects) == 0 {
		projects = []string{"*"}
	}

	return &types.APIKey{
		KeyID:           "key_" + hex.EncodeToString(id),
		Secret:          "dfk_" + hex.EncodeToString(secret),
		Name:            name,
		AllowedProjects: projects,
		ExpiresAt:       expiresAt,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// AppendKey adds a key to the keys file, creating the file if needed.
// The write is atomic so a concurrent SIGHUP reload never sees a torn
// file.
func AppendKey(path string, key *types.APIKey) error {
	var file keysFile
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("failed to read api keys: %w", err)
	default:
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse api keys: %w", err)
		}
	}

	for _, existing := range file.Keys {
		if existing.KeyID == key.KeyID {
			return fmt.Errorf("key id %s already exists", key.KeyID)
		}
	}
	file.Keys = append(file.Keys, key)

	out, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode api keys: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".api_keys.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp keys file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write keys file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync keys file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close keys file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to restrict keys file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish keys file: %w", err)
	}
	return nil
}
