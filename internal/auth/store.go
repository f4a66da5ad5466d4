package auth

import (
	"context"
	"sync"
	"time"

	"wardkeep.org/internal/ids"
)

// AccountDirectory resolves login identifiers to accounts. It returns ErrNotFound
// when no account matches.
type AccountDirectory interface {
	FindByIdentifier(ctx context.Context, identifier string) (Account, error)
}

// AccountWriter provisions accounts. It returns ErrAlreadyExists for duplicate identifiers.
type AccountWriter interface {
	CreateAccount(ctx context.Context, account *Account) error
}

// AccountStore is implemented by every directory backend in this package.
type AccountStore interface {
	AccountDirectory
	AccountWriter
}

var (
	_ AccountStore = (*MemoryDirectory)(nil)
	_ AccountStore = (*PGDirectory)(nil)
	_ AccountStore = (*GormDirectory)(nil)
)

// MemoryDirectory keeps accounts in a map; used for tests and single-process setups.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryDirectory(accounts ...Account) *MemoryDirectory {
	d := &MemoryDirectory{accounts: make(map[string]Account)}
	for _, a := range accounts {
		a := a
		_ = d.CreateAccount(context.Background(), &a)
	}
	return d
}

func (d *MemoryDirectory) FindByIdentifier(_ context.Context, identifier string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[NormalizeIdentifier(identifier)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (d *MemoryDirectory) CreateAccount(_ context.Context, account *Account) error {
	if err := prepareAccount(account); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.accounts[account.Identifier]; exists {
		return ErrAlreadyExists
	}
	d.accounts[account.Identifier] = *account
	return nil
}

// prepareAccount validates account and fills defaults shared by all backends.
func prepareAccount(account *Account) error {
	if account == nil {
		return ErrInvalidInput
	}
	account.Identifier = NormalizeIdentifier(account.Identifier)
	if account.Identifier == "" || account.PasswordHash == "" {
		return ErrInvalidInput
	}
	role, err := ParseRole(string(account.Role))
	if err != nil {
		return err
	}
	account.Role = role
	if account.Status == "" {
		account.Status = StatusActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.ID == "" {
		account.ID = ids.NewAt(account.CreatedAt)
	}
	return nil
}
