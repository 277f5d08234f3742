package enclave

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/alarmfox/enclave-benchmark/internal/output"
)

const (
	keyBits = 3072
	// SGX sigstructs require a public exponent of 3, which rules out
	// crypto/rsa.GenerateKey and its fixed 65537.
	keyExponent = 3
)

// GeneratePrivateKey writes a fresh PKCS#1 RSA-3072 exponent-3 key to
// path. It is called once per output tree; the same key signs every
// enclave of the plan.
func GeneratePrivateKey(path string) error {
	key, err := generateExponent3Key()
	if err != nil {
		return fmt.Errorf("cannot generate signing key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return output.WriteFileAtomic(path, pem.EncodeToMemory(block), 0o600)
}

func generateExponent3Key() (*rsa.PrivateKey, error) {
	e := big.NewInt(keyExponent)
	one := big.NewInt(1)

	for {
		p, err := rand.Prime(rand.Reader, keyBits/2)
		if err != nil {
			return nil, err
		}
		q, err := rand.Prime(rand.Reader, keyBits/2)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}

		pMinus1 := new(big.Int).Sub(p, one)
		qMinus1 := new(big.Int).Sub(q, one)
		phi := new(big.Int).Mul(pMinus1, qMinus1)

		// e must be invertible mod phi, i.e. gcd(3, phi) == 1
		d := new(big.Int)
		if d.ModInverse(e, phi) == nil {
			continue
		}

		key := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{
				N: new(big.Int).Mul(p, q),
				E: keyExponent,
			},
			D:      d,
			Primes: []*big.Int{p, q},
		}
		key.Precompute()
		if err := key.Validate(); err != nil {
			continue
		}
		return key, nil
	}
}
