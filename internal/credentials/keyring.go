package credentials

import "sort"

// Keyring holds the decrypted credentials of one session run. It is read-only after Unlock.
type Keyring struct {
	secrets map[string]Secret
}

// NewKeyring builds a keyring from plaintext values, skipping empty ones
func NewKeyring(values map[string]string) *Keyring {
	kr := &Keyring{secrets: make(map[string]Secret, len(values))}
	for provider, v := range values {
		s := NewSecret(v)
		if s.IsZero() {
			continue
		}
		kr.secrets[normalizeProvider(provider)] = s
	}
	return kr
}

// Get returns the secret for provider
func (k *Keyring) Get(provider string) (Secret, bool) {
	if k == nil {
		return Secret{}, false
	}
	s, ok := k.secrets[normalizeProvider(provider)]
	return s, ok
}

// Len is the number of usable credentials
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.secrets)
}

// Providers lists the providers with a usable credential, sorted
func (k *Keyring) Providers() []string {
	if k == nil {
		return nil
	}
	out := make([]string, 0, len(k.secrets))
	for p := range k.secrets {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
