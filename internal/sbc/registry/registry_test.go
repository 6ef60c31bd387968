package registry

import (
	"errors"
	"testing"
)

// recordingMailbox collects delivered messages.
type recordingMailbox struct {
	msgs   []any
	refuse bool
}

func (m *recordingMailbox) Deliver(msg any) bool {
	if m.refuse {
		return false
	}
	m.msgs = append(m.msgs, msg)
	return true
}

func TestSessionRegistryRegisterAndSend(t *testing.T) {
	reg := NewSessionRegistry()
	mb := &recordingMailbox{}

	if err := reg.Register("leg-a", mb); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("leg-a", &recordingMailbox{}); !errors.Is(err, ErrTagInUse) {
		t.Fatalf("duplicate Register() error = %v, want ErrTagInUse", err)
	}

	if !reg.Send("leg-a", "hello") {
		t.Fatal("Send() to registered tag failed")
	}
	if len(mb.msgs) != 1 || mb.msgs[0] != "hello" {
		t.Errorf("mailbox got %v", mb.msgs)
	}

	if reg.Send("leg-b", "nope") {
		t.Error("Send() to unknown tag reported success")
	}
}

func TestSessionRegistryDeregister(t *testing.T) {
	reg := NewSessionRegistry()
	mb := &recordingMailbox{}

	if err := reg.Register("leg-a", mb); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	reg.Deregister("leg-a")
	if reg.Count() != 0 {
		t.Fatalf("Count() after Deregister = %d, want 0", reg.Count())
	}
	if reg.Send("leg-a", "late") {
		t.Error("Send() after Deregister reported success")
	}

	// deregistering twice is harmless
	reg.Deregister("leg-a")
}

func TestSessionRegistryRefusedDelivery(t *testing.T) {
	reg := NewSessionRegistry()
	mb := &recordingMailbox{refuse: true}

	if err := reg.Register("leg-a", mb); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.Send("leg-a", "msg") {
		t.Error("Send() reported success for a refusing mailbox")
	}
}

func TestSessionRegistryTags(t *testing.T) {
	reg := NewSessionRegistry()
	_ = reg.Register("leg-a", &recordingMailbox{})
	_ = reg.Register("leg-b", &recordingMailbox{})

	tags := reg.Tags()
	if len(tags) != 2 {
		t.Fatalf("Tags() = %v", tags)
	}
	seen := map[string]bool{}
	for _, tag := range tags {
		seen[tag] = true
	}
	if !seen["leg-a"] || !seen["leg-b"] {
		t.Errorf("Tags() = %v, want leg-a and leg-b", tags)
	}
}

func TestCallRegistryLifecycle(t *testing.T) {
	reg := NewCallRegistry()

	reg.AddCall("a-tag", CallRegistryEntry{CallID: "cb", LocalTag: "b-tag"})
	entry, ok := reg.LookupCall("a-tag")
	if !ok {
		t.Fatal("LookupCall() missed a registered tag")
	}
	if entry.CallID != "cb" || entry.LocalTag != "b-tag" || entry.RemoteTag != "" {
		t.Errorf("LookupCall() = %+v", entry)
	}

	// remote tag is learned later, from the far end's final reply
	if !reg.UpdateCall("a-tag", "b-remote") {
		t.Fatal("UpdateCall() missed a registered tag")
	}
	entry, _ = reg.LookupCall("a-tag")
	if entry.RemoteTag != "b-remote" {
		t.Errorf("RemoteTag = %q, want b-remote", entry.RemoteTag)
	}

	if reg.UpdateCall("ghost", "x") {
		t.Error("UpdateCall() on unknown tag reported success")
	}

	reg.RemoveCall("a-tag")
	if _, ok := reg.LookupCall("a-tag"); ok {
		t.Error("LookupCall() found a removed entry")
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestCallRegistryOverwrite(t *testing.T) {
	reg := NewCallRegistry()
	reg.AddCall("tag", CallRegistryEntry{CallID: "one", LocalTag: "l1"})
	reg.AddCall("tag", CallRegistryEntry{CallID: "two", LocalTag: "l2", RemoteTag: "r2"})

	entry, ok := reg.LookupCall("tag")
	if !ok {
		t.Fatal("LookupCall() missed the tag")
	}
	if entry.CallID != "two" || entry.LocalTag != "l2" || entry.RemoteTag != "r2" {
		t.Errorf("LookupCall() = %+v, want the second entry", entry)
	}
}
