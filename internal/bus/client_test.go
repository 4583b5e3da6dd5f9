package bus

import (
	"strings"
	"testing"
)

func TestStoreConsumerNameStable(t *testing.T) {
	a := StoreConsumerName("7b0c9f2e-1111-2222-3333-444455556666")
	b := StoreConsumerName("7b0c9f2e-1111-2222-3333-444455556666")
	if a != b {
		t.Fatalf("derived name not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "nats3-store-") {
		t.Fatalf("unexpected prefix: %q", a)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"orders.created": "orders_created",
		"orders.>":       "orders__",
		"a.*.b":          "a___b",
		"plain":          "plain",
		"with space":     "with_space",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Fatalf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
