//go:build !real_waku

package transport

// The go-waku backend is only compiled in with the real_waku tag.
func newWakuBackend() backend { return nil }
