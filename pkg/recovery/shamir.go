package recovery

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// Shamir secret sharing over GF(2^8) with the AES reduction polynomial.
// Each secret byte is the constant term of a random polynomial of degree
// threshold-1; share x-coordinates are the share indices 1..n. Any threshold
// shares reconstruct the secret by Lagrange interpolation at x=0; fewer
// reveal nothing about it.

// gfMul multiplies two field elements.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfInv returns the multiplicative inverse, computed as a^254.
func gfInv(a byte) byte {
	// a^254 = a^2 * a^4 * ... * a^128 * a^64 ... ; square-and-multiply over
	// the fixed exponent.
	var result byte = 1
	base := a
	for exp := 254; exp > 0; exp >>= 1 {
		if exp&1 == 1 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}
	return result
}

// splitSecret produces n shares with the given reconstruction threshold.
func splitSecret(secret []byte, n, threshold int) ([]types.RecoveryShare, error) {
	if threshold < 2 || threshold > n || n > 255 {
		return nil, fmt.Errorf("invalid share parameters n=%d threshold=%d", n, threshold)
	}

	shares := make([]types.RecoveryShare, n)
	for i := range shares {
		shares[i] = types.RecoveryShare{
			Index:   byte(i + 1),
			Payload: make([]byte, len(secret)),
		}
	}

	coeffs := make([]byte, threshold-1)
	for pos, b := range secret {
		if _, err := io.ReadFull(rand.Reader, coeffs); err != nil {
			return nil, fmt.Errorf("generating polynomial coefficients: %w", err)
		}
		for i := range shares {
			x := shares[i].Index
			// Horner evaluation of b + c1*x + c2*x^2 + ...
			y := coeffs[len(coeffs)-1]
			for j := len(coeffs) - 2; j >= 0; j-- {
				y = gfMul(y, x) ^ coeffs[j]
			}
			y = gfMul(y, x) ^ b
			shares[i].Payload[pos] = y
		}
	}
	return shares, nil
}

// combineShares interpolates the secret from the given shares. The caller is
// responsible for presenting at least the threshold of distinct valid shares;
// with fewer, the result is garbage, not an error.
func combineShares(shares []types.RecoveryShare) []byte {
	if len(shares) == 0 {
		return nil
	}
	secret := make([]byte, len(shares[0].Payload))
	for pos := range secret {
		var val byte
		for i, si := range shares {
			num, den := byte(1), byte(1)
			for j, sj := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, sj.Index)
				den = gfMul(den, si.Index^sj.Index)
			}
			term := gfMul(si.Payload[pos], gfMul(num, gfInv(den)))
			val ^= term
		}
		secret[pos] = val
	}
	return secret
}
