package test

import (
	"crypto/rand"
	"math/big"
	"time"
)

// timeouts for require.Eventually in tests waiting on gossip or block production
const (
	WaitDuration = 4 * time.Second
	WaitTick     = 50 * time.Millisecond
)

func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandomNIK returns random 16 digit national identity number.
func RandomNIK() string {
	max := big.NewInt(1e16)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err)
	}
	return n.Add(n, max).String()[1:]
}
