// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()
	value := map[string]any{
		"zebra":  1,
		"apple":  "x",
		"middle": []int{3, 2, 1},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("deterministic encoding produced different bytes:\n%x\n%x", first, second)
	}
}

func TestUnmarshalDefaultMapType(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type %T, want map[string]any", outer["outer"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"known": "v", "future": 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var target struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(data, &target); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if target.Known != "v" {
		t.Fatalf("Known = %q, want %q", target.Known, "v")
	}
}
