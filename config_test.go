package reedbase_test

import (
	"os"
	"path/filepath"

	"github.com/bsm/reedbase"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = tempDir()
	})

	It("should load YAML", func() {
		path := filepath.Join(dir, "reedbase.yml")
		Expect(os.WriteFile(path, []byte(`
data_dir: /var/lib/reedbase
index_backend: memory
btree:
  order: 32
  page_size: 8192
  compression: none
  sync: true
delimiter: ";"
validate_keys: true
snapshot_interval: 5
`), 0o644)).To(Succeed())

		cfg, err := reedbase.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(Equal(&reedbase.Config{
			DataDir:      "/var/lib/reedbase",
			IndexBackend: "memory",
			BTree: reedbase.BTreeConfig{
				Order:       32,
				PageSize:    8192,
				Compression: "none",
				Sync:        true,
			},
			Delimiter:        ";",
			ValidateKeys:     true,
			SnapshotInterval: 5,
		}))
		Expect(cfg.Validate()).To(Succeed())
	})

	It("should apply .env and environment overrides", func() {
		path := filepath.Join(dir, "reedbase.yml")
		Expect(os.WriteFile(path, []byte("data_dir: /data\nsnapshot_interval: 5\nlog_level: warn\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, ".env"), []byte("REEDBASE_SNAPSHOT_INTERVAL=7\nREEDBASE_DEFAULT_ENV=de\nREEDBASE_LOG_LEVEL=error\nOTHER=1\n"), 0o644)).To(Succeed())

		Expect(os.Setenv("REEDBASE_LOG_LEVEL", "debug")).To(Succeed())
		defer os.Unsetenv("REEDBASE_LOG_LEVEL")

		cfg, err := reedbase.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.DataDir).To(Equal("/data"))
		Expect(cfg.SnapshotInterval).To(Equal(7))
		Expect(cfg.DefaultEnv).To(Equal("de"))
		Expect(cfg.LogLevel).To(Equal("debug"))
	})

	It("should reject bad overrides", func() {
		Expect(os.Setenv("REEDBASE_BTREE_ORDER", "many")).To(Succeed())
		defer os.Unsetenv("REEDBASE_BTREE_ORDER")

		_, err := reedbase.LoadConfig("")
		Expect(reedbase.IsKind(err, reedbase.KindConfig)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("REEDBASE_BTREE_ORDER"))
	})

	It("should fail on missing files", func() {
		_, err := reedbase.LoadConfig(filepath.Join(dir, "missing.yml"))
		Expect(reedbase.IsKind(err, reedbase.KindConfig)).To(BeTrue())
	})

	It("should validate", func() {
		Expect((&reedbase.Config{DataDir: dir}).Validate()).To(Succeed())

		for _, cfg := range []*reedbase.Config{
			{},
			{DataDir: dir, IndexBackend: "lsm"},
			{DataDir: dir, BTree: reedbase.BTreeConfig{Order: 2}},
			{DataDir: dir, BTree: reedbase.BTreeConfig{Compression: "lz4"}},
			{DataDir: dir, Delimiter: "\n"},
			{DataDir: dir, DefaultEnv: "d e"},
			{DataDir: dir, SnapshotInterval: -1},
			{DataDir: dir, LogLevel: "loud"},
		} {
			Expect(cfg.Validate()).To(failWith(reedbase.KindConfig, reedbase.ErrInvalidConfig), "for %+v", cfg)
		}
	})

	It("should build loggers", func() {
		logger, err := reedbase.NewLogger("debug")
		Expect(err).NotTo(HaveOccurred())
		Expect(logger.Core().Enabled(-1)).To(BeTrue())

		_, err = reedbase.NewLogger("loud")
		Expect(err).To(failWith(reedbase.KindConfig, reedbase.ErrInvalidConfig))
	})
})
