package store

import (
	"sync"

	"legacychat/models"
)

// Memory is the default volatile store. A single mutex covers the whole
// account map; password hashing runs outside it.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	hasher   hasher
}

func NewMemory(passwordCost int) *Memory {
	return &Memory{
		accounts: make(map[string]*models.Account),
		hasher:   newHasher(passwordCost),
	}
}

func (m *Memory) CreateAccount(username, password string) error {
	m.mu.Lock()
	_, exists := m.accounts[username]
	m.mu.Unlock()
	if exists {
		return ErrDuplicateUser
	}

	hashed, err := m.hasher.hash(password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check: another signup may have won while we were hashing.
	if _, exists := m.accounts[username]; exists {
		return ErrDuplicateUser
	}
	m.accounts[username] = &models.Account{
		Username:     username,
		PasswordHash: hashed,
		Buddies:      []models.Buddy{},
		Mailbox:      []models.Message{},
	}
	return nil
}

func (m *Memory) VerifyLogin(username, password string) ([]string, error) {
	m.mu.Lock()
	acct, ok := m.accounts[username]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSuchUser
	}
	hashed := acct.PasswordHash
	buddies := acct.BuddyNames()
	m.mu.Unlock()

	if err := m.hasher.verify(hashed, password); err != nil {
		return nil, err
	}
	return buddies, nil
}

func (m *Memory) AddBuddy(owner, buddyUsername, buddyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[owner]
	if !ok {
		return ErrNoSuchUser
	}
	if _, ok := m.accounts[buddyUsername]; !ok {
		return ErrNoSuchBuddy
	}
	acct.SetBuddy(buddyUsername, buddyName)
	return nil
}

func (m *Memory) DepositMessage(recipient string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[recipient]
	if !ok {
		return ErrNoSuchUser
	}
	acct.Mailbox = append(acct.Mailbox, msg)
	return nil
}

func (m *Memory) DrainMailbox(username string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[username]
	if !ok {
		return nil, ErrNoSuchUser
	}
	msgs := acct.Mailbox
	acct.Mailbox = []models.Message{}
	return msgs, nil
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Accounts: len(m.accounts)}
	for _, acct := range m.accounts {
		st.PendingMessages += len(acct.Mailbox)
	}
	return st, nil
}

func (m *Memory) Close() error {
	return nil
}
