package reedbase_test

import (
	"errors"
	"runtime"
	"strings"

	"github.com/bsm/reedbase"
	"github.com/bsm/reedbase/index"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Indices", func() {
	behaves := func(backend string) {
		var subject *reedbase.Store
		var users *reedbase.Table
		var cfg *reedbase.Config

		BeforeEach(func() {
			cfg = &reedbase.Config{DataDir: tempDir(), IndexBackend: backend}

			var err error
			subject, err = reedbase.Open(cfg)
			Expect(err).NotTo(HaveOccurred())

			users, err = subject.CreateTable("users", []string{"key", "value", "role"}, "admin")
			Expect(err).NotTo(HaveOccurred())
			_, err = users.Commit([]byte("key|value|role\nalice|Alice|admin\nbob|Bob|editor\ncarol|Carol|admin\n"), "admin", reedbase.ActionUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.CreateIndex("users", "role")).To(Succeed())
		})

		AfterEach(func() {
			Expect(subject.Close()).To(Succeed())
		})

		It("should look up rows", func() {
			Expect(subject.Lookup("users", "role", "admin")).To(Equal([]int{0, 2}))
			Expect(subject.Lookup("users", "role", "editor")).To(Equal([]int{1}))
			Expect(subject.Lookup("users", "role", "guest")).To(BeEmpty())
			Expect(subject.Lookup("users", "role", "admi")).To(BeEmpty())

			_, err := subject.Lookup("users", "value", "Alice")
			Expect(err).To(failWith(reedbase.KindIndex, reedbase.ErrIndexNotFound))
			_, err = subject.Lookup("groups", "role", "admin")
			Expect(err).To(failWith(reedbase.KindIO, reedbase.ErrTableNotFound))
		})

		It("should reject invalid indices", func() {
			Expect(subject.CreateIndex("users", "role")).To(failWith(reedbase.KindIndex, reedbase.ErrIndexExists))
			Expect(subject.CreateIndex("users", "email")).To(failWith(reedbase.KindIndex, reedbase.ErrColumnNotFound))
			Expect(subject.CreateIndex("groups", "role")).To(failWith(reedbase.KindIO, reedbase.ErrTableNotFound))
		})

		It("should follow commits", func() {
			_, err := users.Commit([]byte("key|value|role\nalice|Alice|admin\nbob|Bob|admin\ncarol|Carol|admin\n"), "admin", reedbase.ActionUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Lookup("users", "role", "admin")).To(Equal([]int{0, 1, 2}))
			Expect(subject.Lookup("users", "role", "editor")).To(BeEmpty())

			_, err = users.Commit([]byte("key|value|role\ncarol|Carol|admin\n"), "admin", reedbase.ActionUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Lookup("users", "role", "admin")).To(Equal([]int{0}))
		})

		It("should describe indices", func() {
			Expect(subject.CreateIndex("users", "value")).To(Succeed())

			infos := subject.Indices()
			Expect(infos).To(HaveLen(2))
			Expect(infos[0].Table).To(Equal("users"))
			Expect(infos[0].Column).To(Equal("role"))
			Expect(infos[0].Backend).To(Equal(index.Kind(backend)))
			Expect(infos[0].Entries).To(Equal(3))
			Expect(infos[0].String()).To(HavePrefix("users.role (" + backend + "): 3 entries, "))
			Expect(infos[1].Column).To(Equal("value"))

			if backend == "btree" {
				Expect(infos[0].DiskBytes).To(BeNumerically(">", 0))
			} else {
				Expect(infos[0].DiskBytes).To(BeZero())
				Expect(infos[0].MemoryBytes).To(BeNumerically(">", 0))
			}
		})

		It("should drop and rebuild", func() {
			Expect(subject.RebuildIndex("users", "role")).To(Succeed())
			Expect(subject.Lookup("users", "role", "admin")).To(Equal([]int{0, 2}))

			Expect(subject.DropIndex("users", "role")).To(Succeed())
			Expect(subject.Indices()).To(BeEmpty())
			Expect(subject.DropIndex("users", "role")).To(failWith(reedbase.KindIndex, reedbase.ErrIndexNotFound))
			Expect(subject.RebuildIndex("users", "role")).To(failWith(reedbase.KindIndex, reedbase.ErrIndexNotFound))

			_, err := subject.Lookup("users", "role", "admin")
			Expect(err).To(failWith(reedbase.KindIndex, reedbase.ErrIndexNotFound))
		})

		It("should index long cells", func() {
			long := strings.Repeat("a very long description ", 20)
			Expect(subject.CreateIndex("users", "value")).To(Succeed())

			_, err := users.Commit([]byte("key|value|role\nalice|"+long+"1|admin\nbob|"+long+"2|editor\n"), "admin", reedbase.ActionUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Lookup("users", "value", long+"1")).To(Equal([]int{0}))
			Expect(subject.Lookup("users", "value", long+"2")).To(Equal([]int{1}))
			Expect(subject.Lookup("users", "value", long+"3")).To(BeEmpty())
		})

		It("should restore indices on open", func() {
			Expect(subject.Close()).To(Succeed())

			var err error
			subject, err = reedbase.Open(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Indices()).To(HaveLen(1))
			Expect(subject.Lookup("users", "role", "admin")).To(Equal([]int{0, 2}))
		})

		It("should index tables while they are created", func() {
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()

				for {
					err := subject.CreateIndex("groups", "role")
					if !errors.Is(err, reedbase.ErrTableNotFound) {
						done <- err
						return
					}
					runtime.Gosched()
				}
			}()

			groups, err := subject.CreateTable("groups", []string{"key", "value", "role"}, "admin")
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())

			_, err = groups.Commit([]byte("key|value|role\nstaff|Staff|admin\n"), "admin", reedbase.ActionUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Lookup("groups", "role", "admin")).To(Equal([]int{0}))
		})

		It("should drop with the table", func() {
			Expect(subject.DropTable("users", true)).To(Succeed())
			Expect(subject.Indices()).To(BeEmpty())

			_, err := subject.CreateTable("users", []string{"key", "value", "role"}, "admin")
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.CreateIndex("users", "role")).To(Succeed())
			Expect(subject.Lookup("users", "role", "admin")).To(BeEmpty())
		})
	}

	Context("memory", func() {
		behaves("memory")
	})

	Context("btree", func() {
		behaves("btree")
	})
})
