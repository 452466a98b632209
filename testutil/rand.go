package testutil

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
)

var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)

// FastRand is an io.Reader of pseudo-random bytes, handy for filling
// test item values without the overhead of crypto/rand.
var FastRand = fastRandReader{}

type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(Rand.Int())
	}
	return len(p), nil
}
