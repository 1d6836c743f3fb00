package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/rollout/store/inmem"
)

func TestSplitAddrs(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []string
	}{
		{"", []string{"fallback:1"}},
		{"a:1", []string{"a:1"}},
		{"a:1,b:2", []string{"a:1", "b:2"}},
	} {
		if diff := cmp.Diff(tc.want, splitAddrs(tc.in, "fallback:1")); diff != "" {
			t.Errorf("%q: %s", tc.in, diff)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "WARN", "error"} {
		if _, err := newLogger(lvl); err != nil {
			t.Errorf("%s: %v", lvl, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("want error for unknown level")
	}
}

func TestOpenStore(t *testing.T) {
	s, closeStore, err := openStore(&serveOptions{storeKind: "memory"}, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if _, ok := s.(*inmem.Store); !ok {
		t.Errorf("want *inmem.Store, have %T", s)
	}
	if _, _, err := openStore(&serveOptions{storeKind: "zookeeper"}, log.NewNopLogger()); err == nil {
		t.Error("want error for unknown store")
	}
}
