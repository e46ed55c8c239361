// desc_test.go - Tests fuer den Modell-Beschreibungsbaum
package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smspillaz/ggml-go/ml"
)

func testDesc() *DescNode {
	root := NewDescNode()
	m := NewDescNode()
	root.Set("model", m)

	m.Set("wte", NewDescLeaf([]int64{4, 8}, ml.DTypeF16))
	m.Set("ln_f", NewDescNode().
		Set("g", NewDescLeaf([]int64{4}, ml.DTypeF32)).
		Set("b", NewDescLeaf([]int64{4}, ml.DTypeF32)))

	return root
}

// TestFlatten prueft Pfad-Bildung und Reihenfolge
func TestFlatten(t *testing.T) {
	flat := testDesc().Flatten()

	var paths []string
	for pair := flat.Oldest(); pair != nil; pair = pair.Next() {
		paths = append(paths, pair.Key)
	}

	want := []string{"model/wte", "model/ln_f/g", "model/ln_f/b"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Pfad-Diff:\n%s", diff)
	}
}

// TestMapIdentity prueft flatten(map(tree, identity)) == flatten(tree)
func TestMapIdentity(t *testing.T) {
	desc := testDesc()
	mapped := desc.MapLeaves(func(path string, leaf *DescLeaf) *DescLeaf {
		return leaf
	})

	got := mapped.Flatten()
	for pair := desc.Flatten().Oldest(); pair != nil; pair = pair.Next() {
		leaf, ok := got.Get(pair.Key)
		if !ok {
			t.Fatalf("Pfad %s fehlt nach map", pair.Key)
		}

		if diff := cmp.Diff(pair.Value, leaf); diff != "" {
			t.Errorf("Blatt %s veraendert:\n%s", pair.Key, diff)
		}
	}

	if got.Len() != desc.Flatten().Len() {
		t.Error("map darf keine Blaetter hinzufuegen oder entfernen")
	}
}

// TestConfigureQuantization prueft die Regex-Auswahl: nur Rang-2 und
// nur include-Treffer ohne exclude-Treffer
func TestConfigureQuantization(t *testing.T) {
	desc, err := ConfigureQuantization(testDesc(), ml.DTypeQ4_0, []string{"model/.*"}, []string{".*ln_f.*"})
	if err != nil {
		t.Fatal(err)
	}

	flat := desc.Flatten()

	wte, _ := flat.Get("model/wte")
	if wte.Type != ml.DTypeQ4_0 {
		t.Errorf("wte: erwartet q4_0, bekommen %s", wte.Type)
	}

	// Rang-1-Blaetter bleiben unangetastet, exclude gewinnt ohnehin
	g, _ := flat.Get("model/ln_f/g")
	if g.Type != ml.DTypeF32 {
		t.Errorf("ln_f/g: erwartet f32, bekommen %s", g.Type)
	}
}

// TestConfigureQuantizationInvalidRegex prueft die Regex-Validierung
func TestConfigureQuantizationInvalidRegex(t *testing.T) {
	if _, err := ConfigureQuantization(testDesc(), ml.DTypeQ4_0, []string{"("}, nil); err == nil {
		t.Error("erwartet Fehler fuer kaputte Regex")
	}
}

// TestGPT2Desc prueft Shape-Regeln des GPT-2-Layouts
func TestGPT2Desc(t *testing.T) {
	desc := GPT2Desc(50257, 768, 3072, 2, 1024)
	flat := desc.Flatten()

	wte, ok := flat.Get("model/wte")
	if !ok {
		t.Fatal("model/wte fehlt")
	}
	if wte.Dims[0] != 768 || wte.Dims[1] != 50257 || wte.Type != ml.DTypeF16 {
		t.Errorf("wte falsch: %+v", wte)
	}

	attn, ok := flat.Get("model/h1/attn/c_attn/w")
	if !ok {
		t.Fatal("model/h1/attn/c_attn/w fehlt")
	}
	if attn.Dims[0] != 768 || attn.Dims[1] != 3*768 {
		t.Errorf("c_attn/w falsch: %+v", attn)
	}

	if _, ok := flat.Get("model/lm_head"); !ok {
		t.Error("model/lm_head fehlt")
	}
}
