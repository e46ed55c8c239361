// vocab.go - Vokabular-Import aus encoder.json
//
// GPT-2 kodiert Token byte-weise ueber eine reversible
// Byte-zu-Unicode-Abbildung (die "Ġ"-Zeichen der encoder.json). Das
// Container-Format speichert die rohen Wort-Bytes, also wird die
// Abbildung hier invertiert.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
)

// byteDecoder ist die Umkehrung der GPT-2 bytes_to_unicode-Abbildung
var byteDecoder = buildByteDecoder()

func buildByteDecoder() map[rune]byte {
	// Druckbare Bytes bilden auf sich selbst ab, alle anderen auf
	// Codepoints ab 256
	var bs []int
	for b := int('!'); b <= int('~'); b++ {
		bs = append(bs, b)
	}
	for b := 0xa1; b <= 0xac; b++ {
		bs = append(bs, b)
	}
	for b := 0xae; b <= 0xff; b++ {
		bs = append(bs, b)
	}

	mapped := make(map[int]bool, len(bs))
	for _, b := range bs {
		mapped[b] = true
	}

	decoder := make(map[rune]byte, 256)
	for _, b := range bs {
		decoder[rune(b)] = byte(b)
	}

	n := 0
	for b := 0; b < 256; b++ {
		if !mapped[b] {
			decoder[rune(256+n)] = byte(b)
			n++
		}
	}

	return decoder
}

// decodeWord uebersetzt ein encoder.json-Token in seine rohen Bytes
func decodeWord(token string) string {
	out := make([]byte, 0, len(token))
	for _, r := range token {
		if b, ok := byteDecoder[r]; ok {
			out = append(out, b)
		} else {
			out = append(out, []byte(string(r))...)
		}
	}

	return string(out)
}

// readVocabulary liest encoder.json und gibt die Wort-Liste in
// Id-Reihenfolge zurueck
func readVocabulary(path string, vocabSize int) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary %s: %w", path, err)
	}

	var encoder map[string]int32
	if err := json.Unmarshal(raw, &encoder); err != nil {
		return nil, fmt.Errorf("decoding vocabulary: %w", err)
	}

	words := make([]string, vocabSize)
	for token, id := range encoder {
		if id < 0 || int(id) >= vocabSize {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, vocabSize)
		}

		words[id] = decodeWord(token)
	}

	return words, nil
}
