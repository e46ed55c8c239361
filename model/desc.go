// desc.go - Modell-Beschreibungsbaum
//
// Dieses Modul enthaelt:
// - DescNode/DescLeaf: rekursive (Name -> Teilbaum | Blatt)-Struktur
// - Flatten: Abbildung Pfad -> Blatt mit "/" als Trenner
// - MapLeaves: reine Transformation aller Blaetter
// - ConfigureQuantization: Blatt-Typen per Regex-Auswahl umschreiben
//
// Der Baum beschreibt Shape und Typ aller Gewichte eines Modells
// unabhaengig von konkretem Speicher. Die Kind-Reihenfolge ist
// deterministisch (Einfuege-Reihenfolge), damit die Arena-Allokation
// beim Laden reproduzierbar ist.
package model

import (
	"fmt"
	"regexp"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/smspillaz/ggml-go/ml"
)

// DescLeaf beschreibt ein einzelnes Gewicht: Shape (ne[0] zuerst) und Typ
type DescLeaf struct {
	Dims []int64
	Type ml.DType
}

// DescNode ist entweder ein Blatt oder ein innerer Knoten mit einer
// geordneten Kind-Abbildung
type DescNode struct {
	Leaf     *DescLeaf
	children *orderedmap.OrderedMap[string, *DescNode]
}

// NewDescLeaf erstellt einen Blatt-Knoten
func NewDescLeaf(dims []int64, dtype ml.DType) *DescNode {
	d := make([]int64, len(dims))
	copy(d, dims)
	return &DescNode{Leaf: &DescLeaf{Dims: d, Type: dtype}}
}

// NewDescNode erstellt einen leeren inneren Knoten
func NewDescNode() *DescNode {
	return &DescNode{children: orderedmap.New[string, *DescNode]()}
}

// Set haengt ein Kind unter name an und gibt den Knoten zurueck
func (n *DescNode) Set(name string, child *DescNode) *DescNode {
	if n.children == nil {
		panic("model: Set on a leaf node")
	}

	n.children.Set(name, child)
	return n
}

// Child gibt das Kind mit dem gegebenen Namen zurueck oder nil
func (n *DescNode) Child(name string) *DescNode {
	if n.children == nil {
		return nil
	}

	child, _ := n.children.Get(name)
	return child
}

// Flatten gibt die Abbildung Pfad -> Blatt zurueck, mit "/" als
// Pfad-Trenner und in deterministischer Baum-Reihenfolge
func (n *DescNode) Flatten() *orderedmap.OrderedMap[string, *DescLeaf] {
	out := orderedmap.New[string, *DescLeaf]()
	n.flattenInto("", out)
	return out
}

func (n *DescNode) flattenInto(prefix string, out *orderedmap.OrderedMap[string, *DescLeaf]) {
	if n.Leaf != nil {
		out.Set(prefix, n.Leaf)
		return
	}

	for pair := n.children.Oldest(); pair != nil; pair = pair.Next() {
		path := pair.Key
		if prefix != "" {
			path = prefix + "/" + pair.Key
		}

		pair.Value.flattenInto(path, out)
	}
}

// MapLeaves baut einen neuen Baum, in dem fn auf jedes Blatt
// angewendet wurde. Die Nicht-Blatt-Struktur bleibt erhalten.
func (n *DescNode) MapLeaves(fn func(path string, leaf *DescLeaf) *DescLeaf) *DescNode {
	return n.mapLeaves("", fn)
}

func (n *DescNode) mapLeaves(prefix string, fn func(string, *DescLeaf) *DescLeaf) *DescNode {
	if n.Leaf != nil {
		return &DescNode{Leaf: fn(prefix, n.Leaf)}
	}

	out := NewDescNode()
	for pair := n.children.Oldest(); pair != nil; pair = pair.Next() {
		path := pair.Key
		if prefix != "" {
			path = prefix + "/" + pair.Key
		}

		out.Set(pair.Key, pair.Value.mapLeaves(path, fn))
	}

	return out
}

// ConfigureQuantization schreibt die Typen aller Rang-2-Blaetter um,
// deren Pfad mindestens eine include-Regex und keine exclude-Regex
// trifft. Alle anderen Blaetter bleiben unveraendert.
func ConfigureQuantization(desc *DescNode, target ml.DType, include, exclude []string) (*DescNode, error) {
	includeRe, err := compileAll(include)
	if err != nil {
		return nil, err
	}

	excludeRe, err := compileAll(exclude)
	if err != nil {
		return nil, err
	}

	return desc.MapLeaves(func(path string, leaf *DescLeaf) *DescLeaf {
		if len(leaf.Dims) != 2 || !matchesAny(includeRe, path) || matchesAny(excludeRe, path) {
			return leaf
		}

		return &DescLeaf{Dims: leaf.Dims, Type: target}
	}), nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("model: invalid weight selector %q: %w", p, err)
		}

		res = append(res, re)
	}

	return res, nil
}

func matchesAny(res []*regexp.Regexp, path string) bool {
	for _, re := range res {
		if re.MatchString(path) {
			return true
		}
	}

	return false
}
