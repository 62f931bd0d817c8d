package reedbase_test

import (
	"errors"

	"github.com/bsm/reedbase"
	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("SplitEnv", func() {
	table.DescribeTable("should split",
		func(key, base, env string) {
			b, e, err := reedbase.SplitEnv(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(Equal(base))
			Expect(e).To(Equal(env))
		},
		table.Entry("suffixed", "PAGE_HEADER_TITLE@DE", "PAGE_HEADER_TITLE", "DE"),
		table.Entry("lower case env", "page.title@de", "page.title", "DE"),
		table.Entry("plain", "page.title", "page.title", "DEFAULT"),
		table.Entry("explicit default", "page.title@default", "page.title", "DEFAULT"),
		table.Entry("last separator", "mail@example@prod", "mail@example", "PROD"),
		table.Entry("dashed env", "page.title@en-gb", "page.title", "EN-GB"),
	)

	table.DescribeTable("should reject",
		func(key string) {
			_, _, err := reedbase.SplitEnv(key)
			Expect(errors.Is(err, reedbase.ErrInvalidKey)).To(BeTrue(), "for %q", key)
		},
		table.Entry("empty env", "page.title@"),
		table.Entry("empty base", "@DE"),
		table.Entry("empty key", ""),
		table.Entry("blank in env", "page.title@d e"),
		table.Entry("dot in env", "page.title@de.at"),
	)

	It("should build keys", func() {
		Expect(reedbase.EnvKey("page.title", "de")).To(Equal("page.title@DE"))
		Expect(reedbase.EnvKey("page.title", "")).To(Equal("page.title@DEFAULT"))
		Expect(reedbase.EnvKey("page.title", reedbase.DefaultEnv)).To(Equal("page.title@DEFAULT"))
	})
})
