// dump_test.go - Test fuer die Debug-Ausgabe
package ml

import (
	"strings"
	"testing"
)

// TestDump prueft Kuerzung und Formatierung
func TestDump(t *testing.T) {
	ctx := NewContext(1 << 12)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 8).SetName("logits")
	a.SetF32s([]float32{1, 2, 3, 4, 5, 6, 7, 8})

	out := Dump(a, 4)
	if !strings.Contains(out, "logits") || !strings.Contains(out, "...") {
		t.Errorf("Dump unvollstaendig: %s", out)
	}

	if strings.Count(out, ".0000") != 4 {
		t.Errorf("Dump muss genau 4 Werte zeigen: %s", out)
	}
}
