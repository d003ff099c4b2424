package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/roasbeef/go-go-gadget-paillier"
)

var (
	ErrEmptyCiphertext = errors.New("empty ciphertext")
	ErrNegativeValue   = errors.New("negative plaintext")
)

// PaillierAdapter holds one Paillier key pair. The devnet co-processor owns
// it, so the same instance both encrypts client handles and decrypts sums.
type PaillierAdapter struct {
	bits int
	priv *paillier.PrivateKey
}

// NewPaillierAdapter generates a fresh key of keySize bits
func NewPaillierAdapter(keySize int) (*PaillierAdapter, error) {
	priv, err := paillier.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generate %d-bit paillier key: %w", keySize, err)
	}
	return &PaillierAdapter{bits: keySize, priv: priv}, nil
}

func (p *PaillierAdapter) Name() string { return fmt.Sprintf("Paillier-%d", p.bits) }
func (p *PaillierAdapter) KeySize() int { return p.bits }

func (p *PaillierAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if value.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	return paillier.Encrypt(&p.priv.PublicKey, value.Bytes())
}

func (p *PaillierAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	plain, err := paillier.Decrypt(p.priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("paillier decrypt: %w", err)
	}
	return new(big.Int).SetBytes(plain), nil
}

// Add returns a ciphertext of the sum of both plaintexts.
func (p *PaillierAdapter) Add(a, b []byte) ([]byte, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, ErrEmptyCiphertext
	}
	return paillier.AddCipher(&p.priv.PublicKey, a, b), nil
}
