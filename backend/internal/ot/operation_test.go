package ot

import (
	"errors"
	"testing"
)

func TestOperation_Validate(t *testing.T) {
	cases := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"valid insert", Operation{ID: "1", Kind: KindInsert, Position: 0, Content: "x"}, false},
		{"valid delete", Operation{ID: "2", Kind: KindDelete, Position: 3, Length: 2}, false},
		{"valid retain", Operation{ID: "3", Kind: KindRetain, Position: 0, Length: 5}, false},
		{"valid format", Operation{ID: "4", Kind: KindFormat, Position: 1, Length: 2, Attributes: map[string]any{"bold": true}}, false},
		{"empty id", Operation{Kind: KindInsert, Content: "x"}, true},
		{"unknown kind", Operation{ID: "5", Kind: Kind("move"), Position: 0}, true},
		{"negative position", Operation{ID: "6", Kind: KindInsert, Position: -1, Content: "x"}, true},
		{"delete without length", Operation{ID: "7", Kind: KindDelete, Position: 0}, true},
		{"insert without content", Operation{ID: "8", Kind: KindInsert, Position: 0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidOperation) {
				t.Fatalf("Validate() = %v, want ErrInvalidOperation", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestOperation_EqualByID(t *testing.T) {
	a := Operation{ID: "op-1", Kind: KindInsert, Position: 0, Content: "x"}
	b := Operation{ID: "op-1", Kind: KindDelete, Position: 9, Length: 1}
	c := Operation{ID: "op-2", Kind: KindInsert, Position: 0, Content: "x"}
	if !a.Equal(b) {
		t.Fatalf("operations with same id must be equal")
	}
	if a.Equal(c) {
		t.Fatalf("operations with different ids must not be equal")
	}
}

func TestOperation_ContentLen(t *testing.T) {
	op := Operation{ID: "1", Kind: KindInsert, Content: "中文ab"}
	if got := op.ContentLen(); got != 4 {
		t.Fatalf("ContentLen() = %d, want 4 (runes, not bytes)", got)
	}
}
