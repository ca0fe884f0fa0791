// Package dhprime validates the Diffie–Hellman group a server proposes
// during the handshake against a fixed allow-list of known safe primes,
// and factors the 64-bit semiprime pq the handshake's first round hands
// back.
package dhprime

import (
	"math/big"
	"math/bits"
)

// knownSafePrimeHex is the 2048-bit safe prime MTProto's reference
// deployment uses, published as part of the protocol's documentation. A
// server proposing any other dh_prime is rejected outright rather than
// accepted on faith.
const knownSafePrimeHex = "" +
	"C71CAEB9C6B1C9048E6C522F70F13F73980D40238E3E21C14934D037563D930" +
	"F48198A0AA7C14058229493D22530F4DBFA336F6E0AC925139543AED44CCE7C" +
	"3720FD51F69458705AC68CD4FE6B6B13ABDC9746512969328454F18FAF8C595" +
	"F642477FE96BB2A941D5BCD1D4AC8CC49880708FA9B378E3C4F3A9060BEE67C" +
	"F9A4A4A695811051907E162753B56B0F6B410DBA74D8A84B2A14B3144E0EF12" +
	"84754FD17ED950D5965B4B9DD46582DB1178D169C6BC465B0D6FF9CA3928FEF" +
	"5B9AE4E418FC15E83EBEA0F87FA9FF5EED70050DED2849F47BF959D956850CE" +
	"929851F0D8115F635B105EE2E4E15D04B2454BF6F4FADF034B10403119CD8E3" +
	"B92FCC5B"

var knownSafePrime *big.Int

func init() {
	p, ok := new(big.Int).SetString(knownSafePrimeHex, 16)
	if !ok {
		panic("dhprime: knownSafePrimeHex is not valid hex")
	}
	knownSafePrime = p
}

// allowedGenerators lists the generators MTProto permits for the known
// safe prime above; the handshake engine rejects any other g outright.
var allowedGenerators = map[int32]bool{2: true, 3: true, 4: true, 5: true, 6: true, 7: true}

// IsSafe reports whether (g, p) is an allow-listed Diffie-Hellman group.
// A real client would additionally verify (p-1)/2 is prime and that g
// generates the order-(p-1)/2 subgroup; this core pins a single known-good
// prime instead of running that primality search on every handshake, and
// rejects everything else.
func IsSafe(g int32, p *big.Int) bool {
	if !allowedGenerators[g] {
		return false
	}
	return p.Cmp(knownSafePrime) == 0
}

// KnownPrime returns the single safe prime this core accepts.
func KnownPrime() *big.Int {
	return new(big.Int).Set(knownSafePrime)
}

// Factorize splits a 64-bit semiprime pq into its two prime factors p < q.
// It tries trial division by small odd factors first, then Pollard's rho
// with Floyd's cycle detection.
func Factorize(pq uint64) (p, q uint64, ok bool) {
	if pq < 2 {
		return 0, 0, false
	}
	if pq%2 == 0 {
		return orderedPair(2, pq/2)
	}

	if f := trialDivide(pq); f != 0 {
		return orderedPair(f, pq/f)
	}

	f := pollardRhoBrent(pq)
	if f == 0 || f == pq {
		return 0, 0, false
	}
	return orderedPair(f, pq/f)
}

func orderedPair(a, b uint64) (uint64, uint64, bool) {
	if a < b {
		return a, b, true
	}
	return b, a, true
}

// trialDivide checks small odd factors up to a modest bound; pq is a
// product of two primes in MTProto's usage, so this only helps when one
// factor is small, which Pollard's rho also handles but slower.
func trialDivide(n uint64) uint64 {
	const bound = 1 << 16
	for d := uint64(3); d < bound && d*d <= n; d += 2 {
		if n%d == 0 {
			return d
		}
	}
	return 0
}

// pollardRhoBrent finds a nontrivial factor of n (assumed odd, composite)
// using Pollard's rho with Floyd's tortoise-and-hare cycle detection,
// restarting with a new pseudo random function on failure.
func pollardRhoBrent(n uint64) uint64 {
	if n%2 == 0 {
		return 2
	}

	for c := uint64(1); c < 64; c++ {
		if f := rhoAttempt(n, c); f != 0 {
			return f
		}
	}
	return 0
}

func rhoAttempt(n, c uint64) uint64 {
	f := func(x uint64) uint64 {
		return (mulmod(x, x, n) + c) % n
	}

	x, y, d := uint64(2), uint64(2), uint64(1)
	for d == 1 {
		x = f(x)
		y = f(f(y))
		diff := absDiff(x, y)
		if diff == 0 {
			return 0
		}
		d = gcd(diff, n)
	}
	if d == n {
		return 0
	}
	return d
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// mulmod computes a*b mod n without overflowing uint64, using
// bits.Mul64/bits.Div64 since pq can be up to 2^64-1 and a naive a*b%n
// would overflow for large a, b.
func mulmod(a, b, n uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi%n, lo, n)
	return rem
}
