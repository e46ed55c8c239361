// vocab.go - Token-Woerterbuch
//
// Dieses Modul enthaelt:
// - TokenDictionary: Bijektion zwischen Token-Id und Byte-String
// - Decode: Konkatenation der Woerter einer Id-Folge
package model

// EndOfTextWord ist das GPT-2 End-of-Sequence-Token, sofern es im
// Woerterbuch vorhanden ist
const EndOfTextWord = "<|endoftext|>"

// TokenDictionary ist eine Bijektion zwischen Token-Id (0..n_vocab-1)
// und Wort-Bytes
type TokenDictionary struct {
	words []string
	ids   map[string]int32
}

// NewTokenDictionary erstellt ein Woerterbuch aus der Wort-Liste in
// Id-Reihenfolge
func NewTokenDictionary(words []string) *TokenDictionary {
	d := &TokenDictionary{
		words: words,
		ids:   make(map[string]int32, len(words)),
	}

	for i, w := range words {
		// Bei Duplikaten gewinnt die erste Id
		if _, ok := d.ids[w]; !ok {
			d.ids[w] = int32(i)
		}
	}

	return d
}

// Size gibt die Anzahl der Tokens zurueck
func (d *TokenDictionary) Size() int32 {
	return int32(len(d.words))
}

// Lookup gibt die Id eines Wortes zurueck
func (d *TokenDictionary) Lookup(word string) (int32, bool) {
	id, ok := d.ids[word]
	return id, ok
}

// Word gibt das Wort einer Id zurueck
func (d *TokenDictionary) Word(id int32) (string, bool) {
	if id < 0 || int(id) >= len(d.words) {
		return "", false
	}

	return d.words[id], true
}

// Words gibt die Wort-Liste in Id-Reihenfolge zurueck
func (d *TokenDictionary) Words() []string {
	return d.words
}

// Decode konkateniert die Woerter der gegebenen Id-Folge. Unbekannte
// Ids werden uebersprungen.
func (d *TokenDictionary) Decode(ids []int32) string {
	var out []byte
	for _, id := range ids {
		if w, ok := d.Word(id); ok {
			out = append(out, w...)
		}
	}

	return string(out)
}

// EOS gibt die Id des End-of-Sequence-Tokens zurueck, falls das
// Woerterbuch eines definiert
func (d *TokenDictionary) EOS() (int32, bool) {
	return d.Lookup(EndOfTextWord)
}
