package diff

import "testing"

func TestOpString(t *testing.T) {
	cases := map[Op]string{
		OpInsert: "insert",
		OpUpdate: "update",
		OpDelete: "delete",
		Op(99):   "unknown",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, got, want)
		}
	}
}
