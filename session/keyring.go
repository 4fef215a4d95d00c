package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS credential store service name.
const KeyringService = "chat-cli"

// KeyringStore persists the session in the OS keychain / credential manager.
type KeyringStore struct {
	namespace string
}

// NewKeyringStore returns a KeyringStore for namespace.
// An empty namespace means DefaultNamespace.
func NewKeyringStore(namespace string) *KeyringStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &KeyringStore{namespace: namespace}
}

// Load implements Persister.
func (k *KeyringStore) Load() (Session, error) {
	data, err := keyring.Get(KeyringService, k.namespace)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("failed to load session from keyring: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Session{}, fmt.Errorf("failed to parse keyring session: %w", err)
	}
	return s, nil
}

// Save implements Persister. A cleared session deletes the keyring entry.
func (k *KeyringStore) Save(s Session) error {
	if !s.IsAuthenticated && s.Token == "" && s.User == nil {
		err := keyring.Delete(KeyringService, k.namespace)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete keyring session: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := keyring.Set(KeyringService, k.namespace, string(data)); err != nil {
		return fmt.Errorf("failed to save session to keyring: %w", err)
	}
	return nil
}
