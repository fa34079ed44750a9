package breakpoint

import "testing"

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()
	bp1, err := s.Insert(0x1000, 0xdeadbeef)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	bp2, err := s.Insert(0x2000, 0xcafebabe)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if bp1.ID != 1 || bp2.ID != 2 {
		t.Errorf("IDs = %d, %d, want 1, 2", bp1.ID, bp2.ID)
	}
	if bp1.OriginalWord != 0xdeadbeef {
		t.Errorf("OriginalWord = %#x, want 0xdeadbeef", bp1.OriginalWord)
	}
}

func TestInsertDuplicateAddress(t *testing.T) {
	s := NewStore()
	if _, err := s.Insert(0x1000, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := s.Insert(0x1000, 0)
	if err == nil {
		t.Fatalf("Insert duplicate: want error, got nil")
	}
}

func TestDeleteRemovesFromBothIndexes(t *testing.T) {
	s := NewStore()
	bp, _ := s.Insert(0x1000, 0)
	if err := s.Delete(bp.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.FindByAddress(0x1000); ok {
		t.Errorf("FindByAddress after delete: found, want not found")
	}
	if _, err := s.Get(bp.ID); err == nil {
		t.Errorf("Get after delete: want error, got nil")
	}
	// Address should be insertable again.
	if _, err := s.Insert(0x1000, 0); err != nil {
		t.Errorf("re-Insert after delete: %v", err)
	}
}

func TestDeleteUnknownID(t *testing.T) {
	s := NewStore()
	if err := s.Delete(99); err == nil {
		t.Fatalf("Delete unknown id: want error, got nil")
	}
}

func TestAllPreservesInsertionOrder(t *testing.T) {
	s := NewStore()
	addrs := []uint64{0x3000, 0x1000, 0x2000}
	for _, a := range addrs {
		if _, err := s.Insert(a, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	all := s.All()
	if len(all) != len(addrs) {
		t.Fatalf("len(All()) = %d, want %d", len(all), len(addrs))
	}
	for i, bp := range all {
		if bp.Address != addrs[i] {
			t.Errorf("All()[%d].Address = %#x, want %#x", i, bp.Address, addrs[i])
		}
	}
}

func TestAllReflectsDeletion(t *testing.T) {
	s := NewStore()
	bp1, _ := s.Insert(0x1000, 0)
	bp2, _ := s.Insert(0x2000, 0)
	_ = s.Delete(bp1.ID)
	all := s.All()
	if len(all) != 1 || all[0].ID != bp2.ID {
		t.Fatalf("All() after delete = %+v, want only bp2", all)
	}
}

func TestLen(t *testing.T) {
	s := NewStore()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	_, _ = s.Insert(0x1000, 0)
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}
