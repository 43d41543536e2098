package isogen

import (
	"testing"

	"screencore/internal/testutil"
)

// The generator reaches stock through the catalog interfaces only.
func TestGeneratorImportsNoDrivers(t *testing.T) {
	testutil.RequireDirectImports(t, ".", testutil.AnyOf(testutil.Infra, testutil.Service), "stock selection goes through catalog.Catalog")
}
