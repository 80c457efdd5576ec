package privacylog

import (
	"strings"
	"testing"
)

func TestSanitizeArgsFingerprintsPrincipals(t *testing.T) {
	out := SanitizeArgs("sender", "0xAABB", "count", 3)
	if len(out) != 4 {
		t.Fatalf("unexpected arg count %d", len(out))
	}
	if out[0] != "sender_fp" {
		t.Fatalf("expected fingerprint key, got %v", out[0])
	}
	fp, ok := out[1].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") || strings.Contains(fp, "0xaabb") {
		t.Fatalf("sender must be fingerprinted, got %v", out[1])
	}
	if out[2] != "count" || out[3] != 3 {
		t.Fatalf("non-sensitive args must pass through: %v", out)
	}
}

func TestSanitizeArgsRedactsSecrets(t *testing.T) {
	for _, key := range []string{"auth_token", "cache_passphrase", "wallet_mnemonic", "private_key"} {
		out := SanitizeArgs(key, "super secret")
		if out[1] != redactedValue {
			t.Fatalf("key %q should be redacted, got %v", key, out[1])
		}
	}
}

func TestWalletAddressValuesFingerprintedUnderAnyKey(t *testing.T) {
	addr := "0x" + strings.Repeat("ab", 20)
	out := SanitizeArgs("note", addr)
	if out[0] != "note_fp" {
		t.Fatalf("address-shaped value should be fingerprinted, got key %v", out[0])
	}
	if v, ok := out[1].(string); !ok || strings.Contains(v, addr) {
		t.Fatalf("address leaked: %v", out[1])
	}
}

func TestLooksLikeWalletAddress(t *testing.T) {
	addr := "0x" + strings.Repeat("1f", 20)
	if !LooksLikeWalletAddress(addr) {
		t.Fatalf("%q should match", addr)
	}
	for _, v := range []string{"", "0x1234", addr + "00", "0x" + strings.Repeat("zz", 20), "hello"} {
		if LooksLikeWalletAddress(v) {
			t.Fatalf("%q should not match", v)
		}
	}
}

func TestFingerprintStableWithinProcess(t *testing.T) {
	a := FingerprintID("0xaa")
	b := FingerprintID(" 0xaa ")
	if a == "" || a != b {
		t.Fatalf("fingerprint should trim and be stable: %q vs %q", a, b)
	}
	if FingerprintID("0xbb") == a {
		t.Fatalf("distinct values must not collide")
	}
}
