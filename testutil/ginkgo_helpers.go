// Package testutil contains small helpers shared by the ginkgo suites
// across this module.
package testutil

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const maxPrintableLen = 1024

func Byf(format string, args ...interface{}) {
	By(fmt.Sprintf(format, args...))
	fmt.Fprintln(GinkgoWriter)
}

// ExpectBytesEqual has much less overhead than gomega.Equal for large
// byte slices: on mismatch it reports only the first differing chunk
// instead of dumping both slices in full.
func ExpectBytesEqual(a, b []byte) {
	ExpectBytesEqualWithOffset(1, a, b)
}

func ExpectBytesEqualWithOffset(off int, a, b []byte) {
	off++
	if bytes.Equal(a, b) {
		return
	}
	if len(a)+len(b) <= 2*maxPrintableLen {
		ExpectWithOffset(off, a).To(Equal(b))
	}
	ExpectWithOffset(off, len(a)).To(Equal(len(b)), "lengths differ and data is too large to print")
	for i, ab := range a {
		if ab != b[i] {
			cmpLen := maxPrintableLen
			if leftChunk := a[i:]; len(leftChunk) < maxPrintableLen {
				cmpLen = len(leftChunk)
			}
			ExpectWithOffset(off, a[i:i+cmpLen]).To(Equal(b[i:i+cmpLen]), "skipped %v equal bytes", i)
		}
	}
}

// TmpFileName returns a path to a file that does not exist, suitable
// for a bbolt database created by the test itself.
func TmpFileName() string {
	f, err := ioutil.TempFile("", "epcore_test_")
	Expect(err).To(BeNil())
	name := f.Name()
	Expect(f.Close()).To(Succeed())
	Expect(os.Remove(name)).To(Succeed())
	return name
}
