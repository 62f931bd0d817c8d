package reedbase_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bsm/reedbase"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Table", func() {
	var store *reedbase.Store
	var subject *reedbase.Table

	BeforeEach(func() {
		var err error
		store, err = reedbase.Open(&reedbase.Config{DataDir: tempDir(), SnapshotInterval: 3})
		Expect(err).NotTo(HaveOccurred())

		subject, err = store.CreateTable("text", []string{"key", "value"}, "admin")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	// commit writes n rows and returns the committed content.
	commit := func(n int) []byte {
		content := "key|value\n"
		for i := 0; i < n; i++ {
			content += fmt.Sprintf("page.row%d|Row number %d\n", i, i)
		}
		_, err := subject.Commit([]byte(content), "editor", reedbase.ActionUpdate)
		Expect(err).NotTo(HaveOccurred())
		return []byte(content)
	}

	It("should init", func() {
		Expect(subject.Name()).To(Equal("text"))
		Expect(subject.ReadCurrent()).To(Equal([]byte("key|value\n")))

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions).To(HaveLen(1))
		Expect(versions[0].Action).To(Equal(reedbase.ActionInit))
		Expect(versions[0].User).To(Equal("admin"))
		Expect(versions[0].Kind).To(Equal(reedbase.VersionSnapshot))
		Expect(versions[0].Size).To(Equal(int64(10)))

		_, err = store.CreateTable("text", []string{"key", "value"}, "admin")
		Expect(err).To(failWith(reedbase.KindIO, reedbase.ErrTableExists))
	})

	It("should reject invalid tables", func() {
		_, err := store.CreateTable("Text", []string{"key", "value"}, "admin")
		Expect(err).To(failWith(reedbase.KindKey, reedbase.ErrInvalidName))

		_, err = store.CreateTable("single", []string{"key"}, "admin")
		Expect(reedbase.IsKind(err, reedbase.KindParse)).To(BeTrue())

		_, err = store.CreateTable("piped", []string{"key", "va|ue"}, "admin")
		Expect(err).To(failWith(reedbase.KindParse, reedbase.ErrInvalidName))
		Expect(store.Tables()).To(Equal([]string{"text"}))
	})

	It("should commit snapshots and deltas", func() {
		for i := 1; i <= 4; i++ {
			commit(i * 10)
		}

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions).To(HaveLen(5))

		var kinds []reedbase.VersionKind
		for i, v := range versions {
			kinds = append(kinds, v.Kind)
			if i > 0 {
				Expect(v.Timestamp).To(BeNumerically("<", versions[i-1].Timestamp))
			}

			ext := ".delta"
			if v.Kind == reedbase.VersionSnapshot {
				ext = ".snap"
			}
			info, err := os.Stat(filepath.Join(subject.Dir(), strconv.FormatInt(v.Timestamp, 10)+ext))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size()).To(Equal(v.Size))
		}
		Expect(kinds).To(Equal([]reedbase.VersionKind{
			reedbase.VersionDelta,
			reedbase.VersionSnapshot,
			reedbase.VersionDelta,
			reedbase.VersionDelta,
			reedbase.VersionSnapshot,
		}))
		Expect(versions[0].Action).To(Equal(reedbase.ActionUpdate))
		Expect(versions[0].User).To(Equal("editor"))
	})

	It("should reconstruct every version", func() {
		contents := [][]byte{[]byte("key|value\n")}
		for i := 1; i <= 7; i++ {
			contents = append(contents, commit(i*5))
		}

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions).To(HaveLen(len(contents)))

		for i, v := range versions {
			data, err := subject.Reconstruct(v.Timestamp)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(contents[len(contents)-1-i]), "for version %d", i)
		}
	})

	It("should roll back", func() {
		first := commit(3)
		commit(8)

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())

		v, err := subject.Rollback(versions[1].Timestamp, "admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Action).To(Equal(reedbase.ActionRollback))
		Expect(v.Timestamp).To(BeNumerically(">", versions[0].Timestamp))
		Expect(subject.ReadCurrent()).To(Equal(first))

		_, recs, err := subject.Rows()
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(3))
		Expect(getText(store, "text", "page.row2", "")).To(Equal("Row number 2"))
		_, err = store.Get("text", "page.row5", "")
		Expect(err).To(failWith(reedbase.KindIndex, reedbase.ErrNotFound))
	})

	It("should fail on unknown versions", func() {
		_, err := subject.Reconstruct(1)
		Expect(err).To(failWith(reedbase.KindVersion, reedbase.ErrVersionNotFound))

		_, err = subject.Rollback(1, "admin")
		Expect(err).To(failWith(reedbase.KindVersion, reedbase.ErrVersionNotFound))
	})

	It("should detect corrupt deltas", func() {
		commit(5)
		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions[0].Kind).To(Equal(reedbase.VersionDelta))

		name := filepath.Join(subject.Dir(), strconv.FormatInt(versions[0].Timestamp, 10)+".delta")
		Expect(os.WriteFile(name, []byte("garbage"), 0o644)).To(Succeed())

		_, err = subject.Reconstruct(versions[0].Timestamp)
		Expect(err).To(failWith(reedbase.KindVersion, reedbase.ErrDeltaCorrupted))

		var e *reedbase.Error
		Expect(errors.As(err, &e)).To(BeTrue())
		Expect(e.Timestamp).To(Equal(versions[0].Timestamp))

		_, err = subject.Reconstruct(versions[1].Timestamp)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should detect corrupt logs", func() {
		f, err := os.OpenFile(filepath.Join(subject.Dir(), "version.log"), os.O_APPEND|os.O_WRONLY, 0o644)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteString("not|a|valid|line\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = subject.Versions()
		Expect(err).To(failWith(reedbase.KindVersion, reedbase.ErrLogCorrupted))

		var e *reedbase.Error
		Expect(errors.As(err, &e)).To(BeTrue())
		Expect(e.Line).To(Equal(2))
		Expect(e.Table).To(Equal("text"))

		_, err = subject.Commit([]byte("key|value\n"), "admin", reedbase.ActionUpdate)
		Expect(err).To(failWith(reedbase.KindVersion, reedbase.ErrLogCorrupted))
	})

	It("should reject malformed content", func() {
		_, err := subject.Commit([]byte("key\n"), "admin", reedbase.ActionUpdate)
		Expect(reedbase.IsKind(err, reedbase.KindParse)).To(BeTrue())

		_, err = subject.Commit([]byte("key|value|lang\npage.title|Welcome\n"), "admin", reedbase.ActionUpdate)
		Expect(reedbase.IsKind(err, reedbase.KindParse)).To(BeTrue())

		var e *reedbase.Error
		Expect(errors.As(err, &e)).To(BeTrue())
		Expect(e.Line).To(Equal(2))

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions).To(HaveLen(1))
	})

	It("should sanitise log fields", func() {
		v, err := subject.Commit([]byte("key|value\n"), "ev|l\nuser", reedbase.ActionUpdate)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.User).To(Equal("ev_l_user"))

		versions, err := subject.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(versions[0].User).To(Equal("ev_l_user"))
		Expect(versions[0].String()).To(ContainSubstring("update by ev_l_user (delta, "))
	})

	It("should drop", func() {
		Expect(store.DropTable("text", false)).To(failWith(reedbase.KindIO, reedbase.ErrNotConfirmed))
		Expect(store.Tables()).To(Equal([]string{"text"}))

		Expect(store.DropTable("text", true)).To(Succeed())
		Expect(store.Tables()).To(BeEmpty())
		Expect(subject.Dir()).NotTo(BeADirectory())

		_, err := store.Get("text", "page.title", "")
		Expect(err).To(failWith(reedbase.KindIO, reedbase.ErrTableNotFound))
		Expect(store.DropTable("text", true)).To(failWith(reedbase.KindIO, reedbase.ErrTableNotFound))

		_, err = store.CreateTable("text", []string{"key", "value"}, "admin")
		Expect(err).NotTo(HaveOccurred())
	})
})
