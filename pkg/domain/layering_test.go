package domain

import (
	"testing"

	"screencore/internal/testutil"
)

func TestDomainHasNoInternalDependencies(t *testing.T) {
	testutil.RequireDeps(t, ".", testutil.AnyOf(testutil.Internal, testutil.Infra), "the domain model is shared by every stage")
}
