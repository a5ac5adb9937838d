package publisher

import "testing"

func TestParseChatIDAcceptsNegativeSupergroupIDs(t *testing.T) {
	id, err := parseChatID("-1001234567890")
	if err != nil {
		t.Fatalf("parseChatID failed: %v", err)
	}
	if id != -1001234567890 {
		t.Errorf("got %d, want -1001234567890", id)
	}
}

func TestParseChatIDRejectsNonNumeric(t *testing.T) {
	if _, err := parseChatID("@somechannel"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestNewTelegramPublisherStartsWithNoClients(t *testing.T) {
	p := NewTelegramPublisher()
	if len(p.clients) != 0 {
		t.Errorf("expected empty client cache, got %d entries", len(p.clients))
	}
}
