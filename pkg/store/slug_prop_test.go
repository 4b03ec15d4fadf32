package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestToSlugProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	slugShape := regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	properties.Property("output is a valid id for any input", prop.ForAll(
		func(name string) bool {
			s := ToSlug(name)
			return s == "business" || slugShape.MatchString(s)
		},
		gen.AnyString(),
	))

	properties.Property("output never exceeds the max length", prop.ForAll(
		func(name string) bool { return len(ToSlug(name)) <= slugMax },
		gen.AnyString(),
	))

	properties.Property("slugging is idempotent", prop.ForAll(
		func(name string) bool {
			s := ToSlug(name)
			return ToSlug(s) == s
		},
		gen.AnyString(),
	))

	properties.Property("case and surrounding space do not matter", prop.ForAll(
		func(name string) bool {
			return ToSlug(name) == ToSlug("  "+strings.ToUpper(name)+"  ")
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
