package host

import "sync/atomic"

// Keyring holds the process-wide host API key. The key is swappable at
// runtime; a swap takes effect on the next outbound call and never tears an
// in-flight one.
type Keyring struct {
	key atomic.Value
}

// NewKeyring returns a Keyring seeded with the given key. An empty key is
// allowed; calls made without a key simply omit the header value.
func NewKeyring(key string) *Keyring {
	k := &Keyring{}
	k.key.Store(key)
	return k
}

// Get returns the current key.
func (k *Keyring) Get() string {
	v, _ := k.key.Load().(string)
	return v
}

// Set atomically replaces the key.
func (k *Keyring) Set(key string) {
	k.key.Store(key)
}
