// Package identity resolves authenticated principals to canonical
// wallet addresses and manages the daemon's local wallet keys.
package identity

import (
	"errors"
	"strings"

	"kraken-chat/go-backend/pkg/models"
)

// SyntheticDomain is the reserved email domain used to smuggle a wallet
// address through email-shaped credentials.
const SyntheticDomain = "kraken.web3"

// ErrAmbiguousPrincipal marks a principal that matches neither
// credential shape. This is a configuration defect, fatal to the
// request, not a recoverable runtime error.
var ErrAmbiguousPrincipal = errors.New("principal matches no known credential shape")

type CredentialKind int

const (
	CredentialSyntheticWallet CredentialKind = iota
	CredentialNative
)

// Credential is the tagged union of the two accepted credential shapes.
// It is resolved once at session start and never re-inspected
// downstream; Identity() is a pure function of the parsed value.
type Credential struct {
	kind    CredentialKind
	address string
	rawID   string
}

func SyntheticWallet(address string) Credential {
	return Credential{kind: CredentialSyntheticWallet, address: models.NormalizeIdentity(address)}
}

func Native(rawID string) Credential {
	return Credential{kind: CredentialNative, rawID: models.NormalizeIdentity(rawID)}
}

func (c Credential) Kind() CredentialKind { return c.kind }

// Identity returns the canonical lowercase wallet address for the
// credential. Deterministic; never varies within one request.
func (c Credential) Identity() string {
	if c.kind == CredentialSyntheticWallet {
		return c.address
	}
	return c.rawID
}

// ParseCredential classifies an authenticated principal. An email of
// the form <address>@kraken.web3 resolves to the address before the
// "@"; any other principal resolves to its raw unique id. A principal
// carrying neither is ambiguous and rejected outright.
func ParseCredential(email, rawID string) (Credential, error) {
	email = strings.TrimSpace(email)
	if address, ok := syntheticAddress(email); ok {
		return SyntheticWallet(address), nil
	}
	rawID = strings.TrimSpace(rawID)
	if rawID != "" {
		return Native(rawID), nil
	}
	return Credential{}, ErrAmbiguousPrincipal
}

func syntheticAddress(email string) (string, bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "", false
	}
	if !strings.EqualFold(email[at+1:], SyntheticDomain) {
		return "", false
	}
	return email[:at], true
}
