// dump.go - Debug-Ausgabe von Tensoren
package ml

import (
	"fmt"
	"strings"
)

// Dump formatiert die ersten Elemente eines F32-Tensors fuer
// Debug-Logging
func Dump(t *Tensor, limit int) string {
	if t.Type != DTypeF32 || t.data == nil {
		return t.String()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [", t)

	n := int(min(int64(limit), t.NumElements()))
	for r := int64(0); r < numRows(t) && n > 0; r++ {
		row := rowF32(t, r)
		for _, v := range row {
			if n == 0 {
				break
			}

			fmt.Fprintf(&sb, " %.4f", v)
			n--
		}
	}

	if int64(limit) < t.NumElements() {
		sb.WriteString(" ...")
	}
	sb.WriteString(" ]")

	return sb.String()
}
