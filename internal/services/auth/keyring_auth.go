package auth

import (
	"errors"

	"github.com/zalando/go-keyring"
)

type KeyringStore struct {
	serviceName string
}

func NewKeyringStore(serviceName string) *KeyringStore {
	if serviceName == "" {
		serviceName = ServiceName
	}
	return &KeyringStore{serviceName: serviceName}
}

func (k *KeyringStore) SetToken(hypervisor string, token string) error {
	return keyring.Set(k.serviceName, NormalizeHypervisor(hypervisor), token)
}

func (k *KeyringStore) GetToken(hypervisor string) (string, error) {
	token, err := keyring.Get(k.serviceName, NormalizeHypervisor(hypervisor))
	if err == nil {
		return token, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	return "", err
}

func (k *KeyringStore) DeleteToken(hypervisor string) error {
	err := keyring.Delete(k.serviceName, NormalizeHypervisor(hypervisor))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}
