package encryption

import (
	"fmt"
	"math"
	"math/big"
)

// HomomorphicEncryptionScheme is the additive scheme the development chain's
// co-processor uses to accumulate encrypted rating sums and counts.
type HomomorphicEncryptionScheme interface {
	Name() string
	KeySize() int

	Encrypt(value *big.Int) ([]byte, error)
	Decrypt(ciphertext []byte) (*big.Int, error)
	Add(ciphertext1, ciphertext2 []byte) ([]byte, error)
}

var _ HomomorphicEncryptionScheme = (*PaillierAdapter)(nil)

// EncryptUint32 encrypts a euint32-sized value.
func EncryptUint32(s HomomorphicEncryptionScheme, v uint32) ([]byte, error) {
	return s.Encrypt(new(big.Int).SetUint64(uint64(v)))
}

// DecryptUint32 decrypts and range-checks a euint32-sized value.
func DecryptUint32(s HomomorphicEncryptionScheme, ciphertext []byte) (uint32, error) {
	v, err := s.Decrypt(ciphertext)
	if err != nil {
		return 0, err
	}
	if v.Sign() < 0 || !v.IsUint64() || v.Uint64() > math.MaxUint32 {
		return 0, fmt.Errorf("plaintext %s overflows uint32", v)
	}
	return uint32(v.Uint64()), nil
}
