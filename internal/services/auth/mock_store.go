package auth

// MockStore is an in-memory auth store for testing.
type MockStore struct {
	tokens map[string]string
}

func NewMockStore() *MockStore {
	return &MockStore{tokens: make(map[string]string)}
}

func (m *MockStore) SetToken(hypervisor string, token string) error {
	m.tokens[NormalizeHypervisor(hypervisor)] = token
	return nil
}

func (m *MockStore) GetToken(hypervisor string) (string, error) {
	token, ok := m.tokens[NormalizeHypervisor(hypervisor)]
	if !ok {
		return "", ErrTokenNotFound
	}
	return token, nil
}

func (m *MockStore) DeleteToken(hypervisor string) error {
	key := NormalizeHypervisor(hypervisor)
	if _, ok := m.tokens[key]; !ok {
		return ErrTokenNotFound
	}
	delete(m.tokens, key)
	return nil
}
