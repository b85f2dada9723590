package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/model"
)

func TestAddAndGetPeripheral(t *testing.T) {
	store := NewCatalog()
	if err := store.Add(Entry{ID: "c0:ff:ee:00:00:01", Name: "thermometer"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	got, ok := store.Get("C0-FF-EE-00-00-01")
	if !ok || got.Name != "thermometer" {
		t.Fatalf("Get returned %#v, %v, want name thermometer", got, ok)
	}
	if got.ID != "C0:FF:EE:00:00:01" {
		t.Fatalf("stored ID = %q, want normalized address", got.ID)
	}
}

func TestAddPeripheralDuplicate(t *testing.T) {
	store := NewCatalog()
	if err := store.Add(Entry{ID: "C0:FF:EE:00:00:01"}); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	if err := store.Add(Entry{ID: "c0:ff:ee:00:00:01"}); err == nil {
		t.Fatalf("expected duplicate Add to fail")
	}
}

func TestAddRejectsInvalidAddress(t *testing.T) {
	store := NewCatalog()
	err := store.Add(Entry{ID: "thermometer"})
	if !errors.Is(err, model.ErrInvalidAddress) {
		t.Fatalf("Add error = %v, want ErrInvalidAddress", err)
	}
}

func TestListIsOrdered(t *testing.T) {
	store := NewCatalog()
	for _, a := range []string{"C0:FF:EE:00:00:03", "C0:FF:EE:00:00:01", "C0:FF:EE:00:00:02"} {
		if err := store.Add(Entry{ID: model.PeripheralID(a)}); err != nil {
			t.Fatalf("Add(%s) error: %v", a, err)
		}
	}
	got := store.List()
	if len(got) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(got))
	}
	for i, e := range got {
		want := model.PeripheralID(fmt.Sprintf("C0:FF:EE:00:00:0%d", i+1))
		if e.ID != want {
			t.Fatalf("List()[%d] = %s, want %s", i, e.ID, want)
		}
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	store := NewCatalog()
	var events []Event
	unsubscribe := store.Subscribe(func(ev Event) { events = append(events, ev) })

	if _, err := store.Upsert(Entry{ID: "C0:FF:EE:00:00:01"}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	created, err := store.Upsert(Entry{ID: "C0:FF:EE:00:00:01", Name: "renamed"})
	if err != nil || created {
		t.Fatalf("second Upsert = %v, %v, want existing entry", created, err)
	}
	if err := store.Remove("C0:FF:EE:00:00:01"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	want := []EventType{EventPeripheralAdded, EventPeripheralUpdated, EventPeripheralRemoved}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d type = %v, want %v", i, ev.Type, want[i])
		}
	}
	if events[1].Entry.Name != "renamed" {
		t.Fatalf("update carried %q, want renamed", events[1].Entry.Name)
	}

	unsubscribe()
	if err := store.Add(Entry{ID: "C0:FF:EE:00:00:02"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestRemoveUnknown(t *testing.T) {
	store := NewCatalog()
	if err := store.Remove("C0:FF:EE:00:00:09"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove error = %v, want ErrNotFound", err)
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	store := NewCatalog()
	var seen int
	store.Subscribe(func(ev Event) {
		// Reading the catalog from a callback must not deadlock.
		seen = len(store.List())
	})
	if err := store.Add(Entry{ID: "C0:FF:EE:00:00:01"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if seen != 1 {
		t.Fatalf("callback saw %d entries, want 1", seen)
	}
}

func TestRegisterOptions(t *testing.T) {
	auto := true
	e := Entry{ID: "C0:FF:EE:00:00:01", Role: model.RoleServer, AutoConnect: &auto, Policy: "never"}
	opts, err := e.RegisterOptions(policy.DefaultConfig())
	if err != nil {
		t.Fatalf("RegisterOptions error: %v", err)
	}
	if opts.Role == nil || *opts.Role != model.RoleServer {
		t.Fatalf("role = %v, want server", opts.Role)
	}
	if opts.AutoConnect == nil || !*opts.AutoConnect {
		t.Fatalf("auto-connect not carried over")
	}
	if opts.Policy == nil {
		t.Fatalf("named policy not built")
	}

	e.Policy = "sometimes"
	if _, err := e.RegisterOptions(policy.DefaultConfig()); err == nil {
		t.Fatalf("expected unknown policy name to fail")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewCatalog()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := model.PeripheralID(fmt.Sprintf("C0:FF:EE:00:01:%02X", i))
			if _, err := store.Upsert(Entry{ID: id}); err != nil {
				t.Errorf("Upsert(%s) error: %v", id, err)
			}
			_ = store.List()
		}(i)
	}
	wg.Wait()
	if got := len(store.List()); got != 16 {
		t.Fatalf("List returned %d entries, want 16", got)
	}
}
