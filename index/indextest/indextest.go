// Package indextest contains shared behaviour specs for index backends.
package indextest

import (
	"fmt"

	"github.com/bsm/reedbase/index"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// Behaves registers the common index specs. The factory must return a fresh,
// empty index.
func Behaves(kind index.Kind, factory func() index.Index) {
	var subject index.Index

	BeforeEach(func() {
		subject = factory()
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
	})

	It("should report kind", func() {
		Expect(subject.Kind()).To(Equal(kind))
		Expect(subject.Len()).To(Equal(0))
	})

	It("should insert/get", func() {
		Expect(subject.Insert("page.title", []byte("Welcome"))).To(Succeed())
		Expect(subject.Insert("page.body", []byte("Text"))).To(Succeed())
		Expect(subject.Len()).To(Equal(2))

		val, ok, err := subject.Get("page.title")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal([]byte("Welcome")))

		_, ok, err = subject.Get("page.missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should replace values", func() {
		Expect(subject.Insert("k", []byte("v1"))).To(Succeed())
		Expect(subject.Insert("k", []byte("v2"))).To(Succeed())
		Expect(subject.Len()).To(Equal(1))
		Expect(get(subject, "k")).To(Equal("v2"))
	})

	It("should own values", func() {
		buf := []byte("value")
		Expect(subject.Insert("k", buf)).To(Succeed())
		buf[0] = 'X'

		val, _, _ := subject.Get("k")
		Expect(string(val)).To(Equal("value"))
		val[0] = 'Y'
		Expect(get(subject, "k")).To(Equal("value"))
	})

	It("should delete", func() {
		Expect(subject.Insert("a", []byte("1"))).To(Succeed())
		Expect(subject.Insert("b", []byte("2"))).To(Succeed())
		Expect(subject.Delete("a")).To(Succeed())
		Expect(subject.Delete("missing")).To(Succeed())
		Expect(subject.Len()).To(Equal(1))

		_, ok, _ := subject.Get("a")
		Expect(ok).To(BeFalse())
	})

	It("should range in order", func() {
		for _, i := range []int{5, 3, 9, 1, 7, 2, 8} {
			Expect(subject.Insert(fmt.Sprintf("key.%02d", i), []byte{byte(i)})).To(Succeed())
		}

		pairs, err := subject.Range("key.02", "key.08")
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(Equal([]index.Pair{
			{Key: "key.02", Value: []byte{2}},
			{Key: "key.03", Value: []byte{3}},
			{Key: "key.05", Value: []byte{5}},
			{Key: "key.07", Value: []byte{7}},
		}))

		pairs, err = subject.Range("key.10", "key.20")
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(BeEmpty())
	})

	It("should iterate", func() {
		for i := 99; i >= 0; i-- {
			Expect(subject.Insert(fmt.Sprintf("k%03d", i), []byte(fmt.Sprint(i)))).To(Succeed())
		}

		for round := 0; round < 2; round++ {
			it, err := subject.Iterate()
			Expect(err).NotTo(HaveOccurred())

			pairs, err := index.Collect(it)
			Expect(err).NotTo(HaveOccurred())
			Expect(pairs).To(HaveLen(100))
			for i, p := range pairs {
				Expect(p.Key).To(Equal(fmt.Sprintf("k%03d", i)))
				Expect(string(p.Value)).To(Equal(fmt.Sprint(i)))
			}
		}
	})

	It("should iterate empty", func() {
		it, err := subject.Iterate()
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Next()).To(BeFalse())
		Expect(it.Err()).NotTo(HaveOccurred())
		it.Release()
	})

	It("should track memory", func() {
		before := subject.MemoryBytes()
		for i := 0; i < 200; i++ {
			Expect(subject.Insert(fmt.Sprintf("key.%04d", i), make([]byte, 100))).To(Succeed())
		}
		Expect(subject.MemoryBytes()).To(BeNumerically(">", before))
	})
}

func get(idx index.Index, key string) string {
	val, ok, err := idx.Get(key)
	Expect(err).NotTo(HaveOccurred())
	Expect(ok).To(BeTrue(), "for %q", key)
	return string(val)
}
