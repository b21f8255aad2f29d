package collab

import (
	"context"
	"net"
	"testing"
)

func TestDefaultCollaboratorsSatisfiesRequireCollaborators(t *testing.T) {
	catalog := NewCatalog(DatabaseInfo{ID: 1, Name: "app"})
	auth := NewScramAuthenticator()
	c := DefaultCollaborators(catalog, auth)
	if err := RequireCollaborators(c); err != nil {
		t.Fatalf("RequireCollaborators: %v", err)
	}
}

func TestRequireCollaboratorsDetectsMissingField(t *testing.T) {
	c := Collaborators{}
	if err := RequireCollaborators(c); err == nil {
		t.Fatal("expected an error for an empty Collaborators bundle")
	}
}

func TestNoSecureChannelReturnsConnUnchanged(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	got, err := (NoSecureChannel{}).Negotiate(context.Background(), server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got != server {
		t.Fatal("expected NoSecureChannel to return the same conn")
	}
}

func TestMemoryCancelKeyStoreRoundTrip(t *testing.T) {
	store := NewMemoryCancelKeyStore()
	store.SetCancelKey(42, 0xdeadbeef)

	key, ok := store.CancelKey(42)
	if !ok || key != 0xdeadbeef {
		t.Fatalf("CancelKey(42) = %x, %v; want deadbeef, true", key, ok)
	}

	if _, ok := store.CancelKey(7); ok {
		t.Fatal("expected no cancel key for an unregistered pid")
	}
}
