// Package credentials materializes a base64-encoded service account key as a
// private temporary file for the lifetime of a run.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// KeyFile is a service account key written to disk. Close removes it.
type KeyFile struct {
	path      string
	projectID string
	email     string

	once sync.Once
	err  error
}

// FromBase64 decodes encoded and writes it to a 0600 temporary file. The
// caller must Close the returned KeyFile on every exit path.
func FromBase64(encoded string) (*KeyFile, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("service account key is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding service account key: %w", err)
	}

	var key struct {
		Type        string `json:"type"`
		ProjectID   string `json:"project_id"`
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("service account key is not JSON: %w", err)
	}

	f, err := os.CreateTemp("", "gcp_sa_*.json")
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	kf := &KeyFile{path: f.Name(), projectID: key.ProjectID, email: key.ClientEmail}

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		kf.Close()
		return nil, fmt.Errorf("restricting key file permissions: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		kf.Close()
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		kf.Close()
		return nil, fmt.Errorf("closing key file: %w", err)
	}
	return kf, nil
}

// Path returns the key file location.
func (k *KeyFile) Path() string { return k.path }

// ProjectID returns the project named in the key, if any.
func (k *KeyFile) ProjectID() string { return k.projectID }

// ClientEmail returns the service account email named in the key, if any.
func (k *KeyFile) ClientEmail() string { return k.email }

// Close removes the key file. Safe to call multiple times.
func (k *KeyFile) Close() error {
	k.once.Do(func() {
		if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			k.err = err
		}
	})
	return k.err
}
