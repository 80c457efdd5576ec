package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kraken-chat/go-backend/internal/config"
	"kraken-chat/go-backend/internal/identity"
	"kraken-chat/go-backend/internal/securestore"
)

var ErrWalletPasswordRequired = errors.New("wallet password is required, set " + EnvWalletPassword)

const walletFileName = "wallet.enc"

// bootstrapWallet restores the daemon wallet from its encrypted file,
// or generates one on first start. The returned bool reports whether a
// new wallet was created.
func bootstrapWallet(cfg config.Config, password string) (*identity.Wallet, bool, error) {
	if password == "" {
		return nil, false, ErrWalletPasswordRequired
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, false, err
	}
	path := filepath.Join(cfg.DataDir, walletFileName)
	wallet := identity.NewWallet()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		mnemonic, err := securestore.Decrypt(password, data)
		if err != nil {
			return nil, false, fmt.Errorf("unlock wallet: %w", err)
		}
		if _, err := wallet.Restore(string(mnemonic), password); err != nil {
			return nil, false, fmt.Errorf("restore wallet: %w", err)
		}
		return wallet, false, nil

	case os.IsNotExist(err):
		mnemonic, err := wallet.Create(password)
		if err != nil {
			return nil, false, err
		}
		sealed, err := securestore.Encrypt(password, []byte(mnemonic))
		if err != nil {
			return nil, false, err
		}
		if err := os.WriteFile(path, sealed, 0o600); err != nil {
			return nil, false, err
		}
		return wallet, true, nil

	default:
		return nil, false, err
	}
}
