package identity

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"kraken-chat/go-backend/internal/securestore"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrWalletNotCreated = errors.New("wallet has not been created")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
)

// Wallet holds the daemon's local signing keys, derived from a bip39
// mnemonic. The mnemonic is kept only as an encrypted envelope; the
// password is needed to export it again.
type Wallet struct {
	mu             sync.RWMutex
	address        string
	keys           *DerivedKeys
	envelope       *securestore.Envelope
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewWallet() *Wallet {
	return &Wallet{now: time.Now}
}

func newWalletWithClock(now func() time.Time) *Wallet {
	return &Wallet{now: now}
}

// Create generates a fresh 24-word mnemonic, derives the signing keys
// and returns the mnemonic for the user to back up.
func (w *Wallet) Create(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	return w.Restore(mnemonic, password)
}

// Restore imports an existing mnemonic and re-derives the same wallet.
func (w *Wallet) Restore(mnemonic, password string) (string, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return "", ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}

	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return "", err
	}
	env, err := securestore.EncryptEnvelope(password, []byte(mnemonic))
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = keys
	w.address = WalletAddress(keys.SigningPublicKey)
	w.envelope = env
	w.resetAttemptState()
	return mnemonic, nil
}

// Address returns the wallet's canonical identity, or "" before Create.
func (w *Wallet) Address() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.address
}

// PublicExport returns the shareable base58 form of the signing key.
func (w *Wallet) PublicExport() (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.keys == nil {
		return "", ErrWalletNotCreated
	}
	return ExportPublicKey(w.keys.SigningPublicKey), nil
}

// ExportMnemonic decrypts the stored mnemonic. Failed password
// attempts back off exponentially before the next try is allowed.
func (w *Wallet) ExportMnemonic(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}

	w.mu.Lock()
	env := w.envelope
	if err := w.ensureUnlockedLocked(); err != nil {
		w.mu.Unlock()
		return "", err
	}
	w.mu.Unlock()
	if env == nil {
		return "", ErrWalletNotCreated
	}

	plaintext, err := securestore.DecryptEnvelope(password, env)
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.onFailedAttemptLocked()
		return "", ErrInvalidPassword
	}

	w.mu.Lock()
	w.resetAttemptState()
	w.mu.Unlock()

	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}
	return mnemonic, nil
}

func (w *Wallet) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

func (w *Wallet) ensureUnlockedLocked() error {
	if w.lockedUntil.IsZero() {
		return nil
	}
	if w.now().Before(w.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (w *Wallet) onFailedAttemptLocked() {
	w.failedAttempts++
	w.lockedUntil = w.now().Add(attemptBackoff(w.failedAttempts))
}

func (w *Wallet) resetAttemptState() {
	w.failedAttempts = 0
	w.lockedUntil = time.Time{}
}

func attemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
