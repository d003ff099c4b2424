package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"zapps-voting/encryption"
)

// DefaultKeyEnv is the environment variable read when no explicit key is
// configured.
const DefaultKeyEnv = "RELAYER_PRIVATE_KEY"

// CredentialSource names where a relayer key was resolved from.
type CredentialSource string

const (
	CredentialNone     CredentialSource = "none"
	CredentialExplicit CredentialSource = "explicit"
	CredentialEnv      CredentialSource = "env"
	CredentialKeystore CredentialSource = "keystore"
)

// CredentialOptions lists the places a relayer key may come from, in
// priority order.
type CredentialOptions struct {
	PrivateKey       string
	EnvVar           string
	KeystorePath     string
	KeystorePassword string
}

// ResolveCredential returns the first usable key. No configured source is
// not an error: the key is nil and the relayer runs unavailable. A source
// that is configured but unusable is an error.
func ResolveCredential(opts CredentialOptions) (*ecdsa.PrivateKey, CredentialSource, error) {
	if opts.PrivateKey != "" {
		key, err := encryption.ParsePrivateKey(opts.PrivateKey)
		if err != nil {
			return nil, CredentialNone, fmt.Errorf("relayer key: %w", err)
		}
		return key, CredentialExplicit, nil
	}

	envVar := opts.EnvVar
	if envVar == "" {
		envVar = DefaultKeyEnv
	}
	if v := os.Getenv(envVar); v != "" {
		key, err := encryption.ParsePrivateKey(v)
		if err != nil {
			return nil, CredentialNone, fmt.Errorf("relayer key from %s: %w", envVar, err)
		}
		return key, CredentialEnv, nil
	}

	if opts.KeystorePath != "" {
		data, err := os.ReadFile(opts.KeystorePath)
		if err != nil {
			return nil, CredentialNone, fmt.Errorf("read keystore: %w", err)
		}
		k, err := keystore.DecryptKey(data, opts.KeystorePassword)
		if err != nil {
			return nil, CredentialNone, fmt.Errorf("decrypt keystore: %w", err)
		}
		return k.PrivateKey, CredentialKeystore, nil
	}

	return nil, CredentialNone, nil
}
