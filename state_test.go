package goSignIn

import "testing"

func TestKeysEscapeSeparators(t *testing.T) {
	if StateKey("p", "a/b", "c") == StateKey("p", "a", "b/c") {
		t.Fatal("state keys of distinct conversations collide")
	}
	if ExchangeClaimKey("p", "ch", "a/b", "c") == ExchangeClaimKey("p", "ch", "a", "b/c") {
		t.Fatal("claim keys of distinct exchanges collide")
	}
	if got := StateKey("signin", "msteams", "19:abc@thread.v2"); got != "signin/msteams/19:abc@thread.v2" {
		t.Fatalf("plain ids must stay readable, got %q", got)
	}
}
