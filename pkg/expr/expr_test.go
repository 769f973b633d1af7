package expr_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/expr"
)

type Account struct {
	Plan string
}

type Request struct {
	*Account
	Region string
}

var _ = Describe("Expr", func() {
	vars := map[string]any{
		"retries": 4,
		"ratio":   0.5,
		"name":    "refund-agent",
		"user": map[string]any{
			"plan":  "pro",
			"email": "a@example.com",
			"tags":  []any{"beta", "eu"},
		},
		"items":     []any{float64(1), float64(2), float64(3)},
		"lastError": nil,
		"ok":        true,
	}

	DescribeTable("Match",
		func(src string, want bool) {
			Expect(expr.Match(src, vars)).To(Equal(want))
		},
		Entry("numeric comparison across int and float", "retries > 3", true),
		Entry("equality with literal", "retries == 4", true),
		Entry("string equality", `name == "refund-agent"`, true),
		Entry("single quoted strings", `user.plan == 'pro'`, true),
		Entry("member access", `user.plan != "free"`, true),
		Entry("index access", "items[1] == 2", true),
		Entry("bracket member access", `user["email"] == "a@example.com"`, true),
		Entry("null comparison", "lastError == null", true),
		Entry("boolean variable", "ok", true),
		Entry("negation", "!ok", false),
		Entry("and", "retries > 3 && ratio < 1", true),
		Entry("or short circuits past undefined", "ok || missing > 1", true),
		Entry("and short circuits past undefined", "!ok && missing > 1", false),
		Entry("arithmetic", "retries * 2 - 1 == 7", true),
		Entry("precedence", "1 + 2 * 3 == 7", true),
		Entry("parentheses", "(1 + 2) * 3 == 9", true),
		Entry("modulo", "retries % 3 == 1", true),
		Entry("len", "len(items) >= 3", true),
		Entry("length property", "items.length == 3", true),
		Entry("contains on string", `contains(name, "refund")`, true),
		Entry("contains on slice", `contains(user.tags, "eu")`, true),
		Entry("startsWith", `startsWith(name, "refund")`, true),
		Entry("endsWith", `endsWith(user.email, ".org")`, false),
		Entry("matches", `matches(name, "^[a-z]+-agent$")`, true),
		Entry("string ordering", `name > "a"`, true),
		Entry("missing member is null", "user.missing == null", true),
		Entry("zero is falsy", "retries - 4", false),
		Entry("empty string is falsy", `""`, false),
		Entry("non-empty list is truthy", "items", true),
		Entry("undefined variable is a non-match", "missing > 1", false),
		Entry("member of null is a non-match", "lastError.message == 'x'", false),
		Entry("type mismatch is a non-match", `retries > "a"`, false),
		Entry("division by zero is a non-match", "retries / 0 > 1", false),
		Entry("syntax error is a non-match", "retries >", false),
	)

	Describe("Compile", func() {
		It("reports syntax errors with a position", func() {
			_, err := expr.Compile("a == (b")
			var serr *expr.SyntaxError
			Expect(errors.As(err, &serr)).To(BeTrue())
		})

		It("rejects unknown functions", func() {
			_, err := expr.Compile("exec('rm -rf /')")
			Expect(err).To(HaveOccurred())
		})

		It("rejects empty expressions", func() {
			_, err := expr.Compile("   ")
			Expect(err).To(HaveOccurred())
		})

		It("rejects trailing tokens", func() {
			_, err := expr.Compile("a b")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Eval", func() {
		It("returns ErrUndefined for unknown variables", func() {
			_, err := expr.Eval("nope", vars)
			Expect(errors.Is(err, expr.ErrUndefined)).To(BeTrue())
		})

		It("concatenates strings", func() {
			v, err := expr.Eval(`name + "!"`, vars)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("refund-agent!"))
		})

		It("can be reused across variable sets", func() {
			e := expr.MustCompile("value > 10")
			Expect(e.Match(map[string]any{"value": 11})).To(BeTrue())
			Expect(e.Match(map[string]any{"value": 9})).To(BeFalse())
			Expect(e.String()).To(Equal("value > 10"))
		})
	})

	Describe("struct values", func() {
		It("reads exported and promoted fields", func() {
			scope := map[string]any{"req": Request{Account: &Account{Plan: "pro"}, Region: "eu"}}
			Expect(expr.Match(`req.Region == "eu"`, scope)).To(BeTrue())
			Expect(expr.Match(`req.Plan == "pro"`, scope)).To(BeTrue())
			Expect(expr.Match(`req.Missing == null`, scope)).To(BeTrue())
		})

		It("does not match through a nil embedded pointer", func() {
			scope := map[string]any{"req": Request{Region: "eu"}}
			Expect(func() {
				Expect(expr.Match(`req.Plan == "pro"`, scope)).To(BeFalse())
			}).NotTo(Panic())

			_, err := expr.Eval(`req.Plan`, scope)
			Expect(err).To(MatchError(ContainSubstring(`cannot read "Plan"`)))
		})
	})

	Describe("Truthy", func() {
		It("follows loose truthiness", func() {
			Expect(expr.Truthy(nil)).To(BeFalse())
			Expect(expr.Truthy(0)).To(BeFalse())
			Expect(expr.Truthy(map[string]any{})).To(BeFalse())
			Expect(expr.Truthy(map[string]any{"a": 1})).To(BeTrue())
			Expect(expr.Truthy(struct{}{})).To(BeTrue())
		})
	})
})
