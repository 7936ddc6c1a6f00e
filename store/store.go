// Package store holds account records, buddy lists and pending mailboxes.
//
// Every Store operation is atomic with respect to every other operation on
// the same Store; a failed operation leaves no partial mutation behind.
package store

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"legacychat/models"
)

var (
	ErrDuplicateUser   = errors.New("username already exists")
	ErrNoSuchUser      = errors.New("user does not exist")
	ErrNoSuchBuddy     = errors.New("buddy username does not exist")
	ErrBadCredentials  = errors.New("incorrect password")
	ErrPasswordTooLong = errors.New("password too long")
	ErrUnknownBackend  = errors.New("unknown store backend")
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type Store interface {
	CreateAccount(username, password string) error
	// VerifyLogin returns the account's buddy display names on success.
	VerifyLogin(username, password string) ([]string, error)
	AddBuddy(owner, buddyUsername, buddyName string) error
	DepositMessage(recipient string, msg models.Message) error
	// DrainMailbox empties the mailbox and returns its previous contents
	// in arrival order. The result is never nil.
	DrainMailbox(username string) ([]models.Message, error)
	Stats() (Stats, error)
	Close() error
}

// Stats is a consistent snapshot of store size.
type Stats struct {
	Accounts        int
	PendingMessages int
}

// Open creates an empty store of the named backend.
func Open(backend string, passwordCost int) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(passwordCost), nil
	case BackendSQLite:
		return NewSQLite(passwordCost)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

type hasher struct {
	cost int
}

func newHasher(cost int) hasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return hasher{cost: cost}
}

func (h hasher) hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func (h hasher) verify(hashed, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
