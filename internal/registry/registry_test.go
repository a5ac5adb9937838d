package registry

import "testing"

type stubHandler struct{ id string }

func (h stubHandler) FormatID() string { return h.id }
func (h stubHandler) Parse(data []byte, ctx ParseContext) ([]ParsedRecord, error) {
	return nil, nil
}
func (h stubHandler) Build(records []BuildRecord) ([]byte, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil)
	r.Register(stubHandler{id: "npvt"})

	h, ok := r.Lookup("npvt")
	if !ok {
		t.Fatal("expected npvt handler to be found")
	}
	if h.FormatID() != "npvt" {
		t.Errorf("unexpected handler: %+v", h)
	}
}

func TestLookupAbsentReturnsFalse(t *testing.T) {
	r := New(nil)
	if _, ok := r.Lookup("missing"); ok {
		t.Error("expected absent handler lookup to return false")
	}
}

func TestReRegistrationOverwritesSilentlyButLogged(t *testing.T) {
	r := New(nil)
	r.Register(stubHandler{id: "ovpn"})
	r.Register(stubHandler{id: "ovpn"})

	if _, ok := r.Lookup("ovpn"); !ok {
		t.Error("expected re-registered handler still present")
	}
}

func TestMustLookupErrorsOnUnknown(t *testing.T) {
	r := New(nil)
	if _, err := r.MustLookup("nope"); err == nil {
		t.Error("expected error for unknown format id")
	}
}

func TestFormatIDsReflectsRegisteredSet(t *testing.T) {
	r := New(nil)
	r.Register(stubHandler{id: "a"})
	r.Register(stubHandler{id: "b"})

	ids := r.FormatIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d: %v", len(ids), ids)
	}
}
