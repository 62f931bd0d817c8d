package btree_test

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bsm/reedbase/btree"
	"github.com/bsm/reedbase/index"
	"github.com/bsm/reedbase/index/indextest"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tree", func() {
	var fname string

	BeforeEach(func() {
		fname = filepath.Join(tempDir(), "test.btree")
	})

	open := func(o *btree.Options) *btree.Tree {
		t, err := btree.Open(fname, o)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	key := func(i int) string { return fmt.Sprintf("k%06d", i) }

	seed := func(t *btree.Tree, n int) {
		for _, i := range rand.New(rand.NewSource(1)).Perm(n) {
			Expect(t.Insert(key(i), []byte(strconv.Itoa(i)))).To(Succeed())
		}
	}

	Describe("index", func() {
		indextest.Behaves(index.KindBTree, func() index.Index {
			t, err := btree.Open(filepath.Join(tempDir(), "shared.btree"), &btree.Options{Order: 8})
			Expect(err).NotTo(HaveOccurred())
			return t
		})
	})

	It("should init", func() {
		t := open(nil)
		defer t.Close()

		Expect(t.Order().MaxKeys()).To(Equal(64))
		Expect(t.PageSize()).To(Equal(4096))
		Expect(t.Len()).To(Equal(0))
		Expect(t.Height()).To(Equal(0))
		Expect(t.DiskBytes()).To(Equal(int64(4096)))
		Expect(t.MemoryBytes()).To(Equal(int64(0)))
		Expect(t.Check()).To(Succeed())

		stat, err := os.Stat(fname)
		Expect(err).NotTo(HaveOccurred())
		Expect(stat.Size()).To(Equal(int64(48)))
	})

	It("should reject invalid orders", func() {
		_, err := btree.Open(fname, &btree.Options{Order: 2})
		Expect(err).To(MatchError("btree: invalid order 2, must be between 3 and 65535"))
	})

	DescribeTable("should insert and range",
		func(n, height int) {
			t := open(&btree.Options{Order: 4})
			defer t.Close()

			seed(t, n)
			Expect(t.Check()).To(Succeed())
			Expect(t.Len()).To(Equal(n))

			h, err := t.Height()
			Expect(err).NotTo(HaveOccurred())
			if height > 0 {
				Expect(h).To(Equal(height))
			} else {
				Expect(h).To(BeNumerically(">=", 5))
			}

			pairs, err := t.Range(key(0), key(n))
			Expect(err).NotTo(HaveOccurred())
			Expect(pairs).To(HaveLen(n))
			for i, p := range pairs {
				Expect(p.Key).To(Equal(key(i)))
				Expect(string(p.Value)).To(Equal(strconv.Itoa(i)))
			}
		},
		Entry("single", 1, 1),
		Entry("below order", 3, 1),
		Entry("at order", 4, 1),
		Entry("one split", 5, 2),
		Entry("far above order", 1000, 0),
	)

	It("should range partially", func() {
		t := open(&btree.Options{Order: 3})
		defer t.Close()
		seed(t, 100)

		pairs, err := t.Range(key(10), key(20))
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(HaveLen(10))
		Expect(pairs[0].Key).To(Equal(key(10)))
		Expect(pairs[9].Key).To(Equal(key(19)))

		pairs, err = t.Range("k000050x", key(52))
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(HaveLen(1))
		Expect(pairs[0].Key).To(Equal(key(51)))

		pairs, err = t.Range(key(20), key(10))
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(BeEmpty())
	})

	It("should delete down to empty", func() {
		t := open(&btree.Options{Order: 4})
		defer t.Close()
		seed(t, 500)

		for n, i := range rand.New(rand.NewSource(2)).Perm(500) {
			Expect(t.Delete(key(i))).To(Succeed())
			Expect(t.Check()).To(Succeed(), "after deleting %d keys", n+1)
			Expect(t.Len()).To(Equal(499 - n))

			_, ok, err := t.Get(key(i))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		}

		Expect(t.Height()).To(Equal(0))
		pairs, err := t.Range("", "z")
		Expect(err).NotTo(HaveOccurred())
		Expect(pairs).To(BeEmpty())
	})

	It("should shrink the root", func() {
		t := open(&btree.Options{Order: 3})
		defer t.Close()
		seed(t, 50)

		h, err := t.Height()
		Expect(err).NotTo(HaveOccurred())
		Expect(h).To(BeNumerically(">", 2))

		for i := 0; i < 49; i++ {
			Expect(t.Delete(key(i))).To(Succeed())
		}
		Expect(t.Check()).To(Succeed())
		Expect(t.Height()).To(Equal(1))
		Expect(get(t, key(49))).To(Equal("49"))
	})

	It("should reuse freed pages", func() {
		t := open(&btree.Options{Order: 4})
		defer t.Close()

		seed(t, 200)
		size := t.DiskBytes()

		for i := 0; i < 200; i++ {
			Expect(t.Delete(key(i))).To(Succeed())
		}
		Expect(t.DiskBytes()).To(Equal(size))

		seed(t, 200)
		Expect(t.Check()).To(Succeed())
		Expect(t.DiskBytes()).To(Equal(size))
	})

	It("should persist", func() {
		t := open(&btree.Options{Order: 5, Sync: true})
		seed(t, 300)
		Expect(t.Delete(key(7))).To(Succeed())
		Expect(t.Close()).To(Succeed())
		Expect(t.Close()).To(Succeed())

		t = open(nil)
		defer t.Close()

		Expect(t.Order().MaxKeys()).To(Equal(5))
		Expect(t.Len()).To(Equal(299))
		Expect(t.MemoryBytes()).To(Equal(int64(0)))
		Expect(t.Check()).To(Succeed())
		Expect(t.MemoryBytes()).To(BeNumerically(">", 0))

		Expect(get(t, key(123))).To(Equal("123"))
		_, ok, err := t.Get(key(7))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should reject conflicting options", func() {
		Expect(open(&btree.Options{Order: 5}).Close()).To(Succeed())

		_, err := btree.Open(fname, &btree.Options{Order: 6})
		Expect(errors.Is(err, btree.ErrOptionMismatch)).To(BeTrue())

		_, err = btree.Open(fname, &btree.Options{PageSize: 8192})
		Expect(errors.Is(err, btree.ErrOptionMismatch)).To(BeTrue())
	})

	It("should refuse further use after a failed write", func() {
		t := open(nil)
		Expect(t.Insert("a", []byte("1"))).To(Succeed())
		Expect(btree.CloseFile(t)).To(Succeed())

		err := t.Insert("b", []byte("2"))
		Expect(errors.Is(err, os.ErrClosed)).To(BeTrue(), "got %v", err)

		_, _, err = t.Get("a")
		Expect(errors.Is(err, btree.ErrFailed)).To(BeTrue())
		_, err = t.Range("a", "z")
		Expect(errors.Is(err, btree.ErrFailed)).To(BeTrue())
		_, err = t.Iterate()
		Expect(errors.Is(err, btree.ErrFailed)).To(BeTrue())
		Expect(errors.Is(t.Insert("c", nil), btree.ErrFailed)).To(BeTrue())
		Expect(errors.Is(t.Delete("a"), btree.ErrFailed)).To(BeTrue())
		Expect(t.Close()).NotTo(Succeed())

		t = open(nil)
		defer t.Close()
		Expect(t.Len()).To(Equal(1))
		Expect(get(t, "a")).To(Equal("1"))
		Expect(t.Check()).To(Succeed())

		_, ok, err := t.Get("b")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should reject oversized entries", func() {
		t := open(nil)
		defer t.Close()

		err := t.Insert("key", make([]byte, 100))
		Expect(errors.Is(err, btree.ErrPageOverflow)).To(BeTrue())
		Expect(t.Len()).To(Equal(0))

		Expect(t.Insert("key", make([]byte, 40))).To(Succeed())
		Expect(t.MaxEntrySize()).To(Equal(48))
		Expect(t.Insert("key", make([]byte, 45))).To(Succeed())
		Expect(t.Insert("key", make([]byte, 46))).NotTo(Succeed())
	})

	It("should detect bad magic", func() {
		Expect(os.WriteFile(fname, make([]byte, 4096), 0o644)).To(Succeed())
		_, err := btree.Open(fname, nil)
		Expect(err).To(MatchError(btree.ErrBadMagic))
	})

	It("should detect corrupt pages", func() {
		t := open(nil)
		Expect(t.Insert("a", []byte("1"))).To(Succeed())
		Expect(t.Insert("b", []byte("2"))).To(Succeed())
		Expect(t.Close()).To(Succeed())

		f, err := os.OpenFile(fname, os.O_RDWR, 0o644)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteAt([]byte{0xff}, 4096+12)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		t = open(nil)
		defer t.Close()

		_, _, err = t.Get("a")
		Expect(errors.Is(err, btree.ErrCorruptPage)).To(BeTrue())
	})

	It("should store compressible pages", func() {
		for _, c := range []btree.Compression{btree.SnappyCompression, btree.NoCompression} {
			Expect(os.RemoveAll(fname)).To(Succeed())

			t := open(&btree.Options{Order: 16, Compression: c})
			for i := 0; i < 100; i++ {
				Expect(t.Insert(key(i), []byte("aaaaaaaaaaaaaaaaaaaa"))).To(Succeed())
			}
			Expect(t.Close()).To(Succeed())

			t = open(&btree.Options{Compression: c})
			Expect(t.Check()).To(Succeed())
			Expect(t.Len()).To(Equal(100))
			Expect(t.Close()).To(Succeed())
		}
	})

	It("should seek", func() {
		t := open(&btree.Options{Order: 4})
		defer t.Close()
		seed(t, 100)

		it, err := t.Seek("k000050")
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Next()).To(BeTrue())
		Expect(it.Key()).To(Equal(key(50)))
		Expect(it.Next()).To(BeTrue())
		Expect(it.Key()).To(Equal(key(51)))
		Expect(string(it.Value())).To(Equal("51"))
		it.Release()
		it.Release()
		Expect(it.Err()).NotTo(HaveOccurred())
		Expect(it.Next()).To(BeFalse())

		// lock released, writers may proceed
		Expect(t.Insert(key(1000), nil)).To(Succeed())

		it, err = t.Seek(key(999))
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Next()).To(BeTrue())
		Expect(it.Key()).To(Equal(key(1000)))
		Expect(it.Next()).To(BeFalse())

		// exhausted iterators release the lock too
		Expect(t.Delete(key(1000))).To(Succeed())
	})
})
