package onnx

import (
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// Special token ids of the bert-base-uncased vocabulary, used when the
// vocabulary does not name them.
const (
	defaultCLS = 101
	defaultSEP = 102
	defaultUNK = 100
)

// maxWordRunes bounds WordPiece work on pathological input; longer words
// become [UNK].
const maxWordRunes = 100

// Tokenizer is a lowercasing WordPiece tokenizer over a BERT vocabulary.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads a HuggingFace tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	return ParseTokenizer(data)
}

// ParseTokenizer builds a Tokenizer from tokenizer.json content. Only
// model.vocab is used.
func ParseTokenizer(data []byte) (*Tokenizer, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse tokenizer: invalid JSON")
	}
	vocab := gjson.GetBytes(data, "model.vocab")
	if !vocab.IsObject() {
		return nil, fmt.Errorf("parse tokenizer: model.vocab missing")
	}
	t := &Tokenizer{vocab: make(map[string]int64)}
	vocab.ForEach(func(token, id gjson.Result) bool {
		t.vocab[token.String()] = id.Int()
		return true
	})
	if len(t.vocab) == 0 {
		return nil, fmt.Errorf("parse tokenizer: empty vocabulary")
	}
	t.cls = t.special("[CLS]", defaultCLS)
	t.sep = t.special("[SEP]", defaultSEP)
	t.unk = t.special("[UNK]", defaultUNK)
	return t, nil
}

func (t *Tokenizer) special(token string, def int64) int64 {
	if id, ok := t.vocab[token]; ok {
		return id
	}
	return def
}

// Tokenize returns the WordPiece ids of text, without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		ids = append(ids, t.wordPieces(word)...)
	}
	return ids
}

// Encode returns input ids and attention mask of length maxLen:
// [CLS] tokens [SEP] followed by padding. Long input is truncated.
func (t *Tokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	ids[0], mask[0] = t.cls, 1
	for i, id := range tokens {
		ids[i+1], mask[i+1] = id, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	return ids, mask
}

// wordPieces splits one word greedily into the longest vocabulary pieces.
// A word with any unmatched remainder becomes a single [UNK].
func (t *Tokenizer) wordPieces(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unk}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var id int64
		found := false
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, found = t.vocab[piece]; found {
				break
			}
		}
		if !found {
			return []int64{t.unk}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

// splitWords splits on whitespace and isolates punctuation, like BERT's
// basic tokenizer.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// meanPool averages hidden states [seqLen, hidden] over attended positions.
func meanPool(hidden []float32, mask []int64, size int) []float32 {
	out := make([]float32, size)
	var n float32
	for i, m := range mask {
		if m == 0 || (i+1)*size > len(hidden) {
			continue
		}
		row := hidden[i*size : (i+1)*size]
		for j, v := range row {
			out[j] += v
		}
		n++
	}
	if n == 0 {
		return out
	}
	for j := range out {
		out[j] /= n
	}
	return out
}

// normalize scales vec to unit length. A zero vector is returned unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
