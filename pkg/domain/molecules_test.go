package domain

import "testing"

func TestMoleculeDesignPoolRequiresSingleType(t *testing.T) {
	_, err := NewMoleculeDesignPool(1, []MoleculeDesign{
		{ID: 10, MoleculeType: MoleculeTypeSIRNA},
		{ID: 11, MoleculeType: MoleculeTypeCompound},
	}, 0)
	if err == nil {
		t.Fatalf("expected mixed type error")
	}
	pool, err := NewMoleculeDesignPool(2, []MoleculeDesign{
		{ID: 11, MoleculeType: MoleculeTypeSIRNA},
		{ID: 10, MoleculeType: MoleculeTypeSIRNA},
	}, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.MemberIDs[0] != 10 || pool.DefaultStockConcentration != 50000 {
		t.Fatalf("unexpected pool %+v", pool)
	}
	if PoolMemberHash([]int{11, 10}) != pool.MemberHash {
		t.Fatalf("member hash must ignore order")
	}
}

func TestPoolSetOperations(t *testing.T) {
	p := func(id int) MoleculeDesignPool {
		return MoleculeDesignPool{ID: id, MoleculeType: MoleculeTypeSIRNA, MemberIDs: []int{id}}
	}
	set, err := NewMoleculeDesignPoolSet(MoleculeTypeSIRNA, p(3), p(1), p(2), p(1))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if ids := set.IDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected ids %v", ids)
	}
	rest := set.Minus(map[int]struct{}{2: {}})
	if rest.Contains(2) || !rest.Contains(3) {
		t.Fatalf("minus failed: %v", rest.IDs())
	}
	other, _ := NewMoleculeDesignPoolSet(MoleculeTypeSIRNA, p(4))
	union, err := rest.Union(other)
	if err != nil || union.Len() != 3 {
		t.Fatalf("union: %v %v", union.IDs(), err)
	}
	if _, err := NewMoleculeDesignPoolSet(MoleculeTypeCompound, p(1)); err == nil {
		t.Fatalf("expected molecule type error")
	}
}

func TestMoleculeTypeFactors(t *testing.T) {
	if MoleculeTypeMIRNAMimic.OptimemDilutionFactor() != 4 || MoleculeTypeSIRNA.OptimemDilutionFactor() != 3 {
		t.Fatalf("unexpected optimem factors")
	}
	if _, err := ParseMoleculeType("sirna"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseMoleculeType("protein"); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
