package identity

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWalletCreateAndRestore(t *testing.T) {
	w := NewWallet()
	mnemonic, err := w.Create("correct horse")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(strings.Fields(mnemonic)) != 24 {
		t.Fatalf("expected 24-word mnemonic, got %d words", len(strings.Fields(mnemonic)))
	}
	addr := w.Address()
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Fatalf("unexpected address %q", addr)
	}

	restored := NewWallet()
	if _, err := restored.Restore(mnemonic, "other pass"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Address() != addr {
		t.Fatalf("restore must re-derive the same address: %q vs %q", restored.Address(), addr)
	}
}

func TestWalletExportMnemonic(t *testing.T) {
	w := NewWallet()
	mnemonic, err := w.Create("pass")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	got, err := w.ExportMnemonic("pass")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if got != mnemonic {
		t.Fatalf("exported mnemonic differs")
	}
}

func TestWalletExportWrongPasswordLocksOut(t *testing.T) {
	now := time.Unix(1000, 0)
	w := newWalletWithClock(func() time.Time { return now })
	if _, err := w.Create("pass"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := w.ExportMnemonic("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := w.ExportMnemonic("pass"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected lockout after failed attempt, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := w.ExportMnemonic("pass"); err != nil {
		t.Fatalf("expected unlock after backoff, got %v", err)
	}
}

func TestWalletRequiresPassword(t *testing.T) {
	w := NewWallet()
	if _, err := w.Create("  "); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestPublicExportPrefix(t *testing.T) {
	w := NewWallet()
	if _, err := w.PublicExport(); !errors.Is(err, ErrWalletNotCreated) {
		t.Fatalf("expected ErrWalletNotCreated, got %v", err)
	}
	if _, err := w.Create("pass"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	export, err := w.PublicExport()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(export, "kw1") {
		t.Fatalf("unexpected export prefix %q", export)
	}
}
