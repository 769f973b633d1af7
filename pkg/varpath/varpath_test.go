package varpath_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/varpath"
)

type profile struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

var _ = Describe("varpath", func() {
	var vars map[string]any

	BeforeEach(func() {
		vars = map[string]any{
			"count": 3,
			"user": map[string]any{
				"name": "ada",
				"tags": []any{"x", "y"},
			},
			"profile": profile{Name: "grace", Score: 7},
		}
	})

	Describe("Split", func() {
		It("separates the root from the sub path", func() {
			root, rest := varpath.Split("user.tags[1]")
			Expect(root).To(Equal("user"))
			Expect(rest).To(Equal("tags.1"))
		})
	})

	Describe("Get", func() {
		It("returns root variables unchanged", func() {
			v, ok := varpath.Get(vars, "count")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(3))
		})

		It("walks nested maps and slices", func() {
			v, ok := varpath.Get(vars, "user.tags[1]")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("y"))
		})

		It("resolves struct fields through their JSON form", func() {
			v, ok := varpath.Get(vars, "profile.score")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(float64(7)))
		})

		It("reports missing paths", func() {
			_, ok := varpath.Get(vars, "user.missing")
			Expect(ok).To(BeFalse())
			_, ok = varpath.Get(vars, "nope")
			Expect(ok).To(BeFalse())
			_, ok = varpath.Get(vars, "user.tags[5]")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Set", func() {
		It("replaces root variables directly", func() {
			root, v, err := varpath.Set(vars, "count", 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(root).To(Equal("count"))
			Expect(v).To(Equal(4))
		})

		It("updates nested values and keeps siblings", func() {
			root, v, err := varpath.Set(vars, "user.name", "lovelace")
			Expect(err).NotTo(HaveOccurred())
			Expect(root).To(Equal("user"))
			Expect(v).To(HaveKeyWithValue("name", "lovelace"))
			Expect(v).To(HaveKey("tags"))
		})

		It("creates intermediate objects", func() {
			_, v, err := varpath.Set(vars, "config.retry.max", 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(map[string]any{"retry": map[string]any{"max": float64(5)}}))
		})

		It("rejects empty paths", func() {
			_, _, err := varpath.Set(vars, " ", 1)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes a nested key", func() {
			_, v, err := varpath.Delete(vars, "user.name")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).NotTo(HaveKey("name"))
		})
	})
})
