// Package clip implements the frozen CLIP text and image encoders used to
// condition the Stage-C generator, plus the byte-pair-encoding tokenizer that
// feeds the text encoder.
package clip

import (
	"bufio"
	"cmp"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/pkg/errors"
)

// ContextLen is the CLIP text context length: every prompt is tokenized to
// exactly this many ids.
const ContextLen = 77

// Pretokenizer is the CLIP text splitting pattern. Contractions and runs of
// letters stay together, digits are split one by one.
const Pretokenizer = `'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

// wordEnd marks the last symbol of a word in the CLIP vocabulary.
const wordEnd = "</w>"

// Vocabulary maps BPE symbols to token ids. Ids 0-255 are single bytes,
// 256-511 the same bytes in word-final position, followed by one id per
// merge, then the start and end markers.
type Vocabulary struct {
	ids    map[string]int32
	ranks  map[[2]string]int
	size   int32
	sot    int32
	eot    int32
}

// NewVocabulary builds a vocabulary from an ordered list of merges. An empty
// merge list yields a pure byte-level vocabulary, useful for tests.
func NewVocabulary(merges [][2]string) *Vocabulary {
	v := &Vocabulary{
		ids:   make(map[string]int32),
		ranks: make(map[[2]string]int),
	}
	for b := 0; b < 256; b++ {
		v.ids[string(rune(b))] = int32(b)
	}
	for b := 0; b < 256; b++ {
		v.ids[string(rune(b))+wordEnd] = int32(256 + b)
	}
	next := int32(512)
	for rank, merge := range merges {
		v.ranks[merge] = rank
		joined := merge[0] + merge[1]
		if _, ok := v.ids[joined]; !ok {
			v.ids[joined] = next
			next++
		}
	}
	v.sot = next
	v.eot = next + 1
	v.size = next + 2
	return v
}

// LoadMerges reads a BPE merges file: one merge per line, the two symbols
// separated by a space, ordered by priority. Lines starting with '#' are
// skipped.
func LoadMerges(path string) ([][2]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening BPE merges file %q", path)
	}
	defer f.Close()

	var merges [][2]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("BPE merges file %q: malformed line %q", path, line)
		}
		merges = append(merges, [2]string{parts[0], parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading BPE merges file %q", path)
	}
	return merges, nil
}

// Size returns the number of token ids, including the start and end markers.
func (v *Vocabulary) Size() int { return int(v.size) }

// SOT returns the start-of-text token id.
func (v *Vocabulary) SOT() int32 { return v.sot }

// EOT returns the end-of-text token id. It is the largest id, which the text
// encoder relies on to locate the pooled feature.
func (v *Vocabulary) EOT() int32 { return v.eot }

func (v *Vocabulary) encode(symbol string) (int32, bool) {
	id, ok := v.ids[symbol]
	return id, ok
}

func (v *Vocabulary) mergeRank(left, right string) (int, bool) {
	rank, ok := v.ranks[[2]string{left, right}]
	return rank, ok
}

// Tokenizer tokenizes prompts the CLIP way: lowercase, whitespace collapse,
// pretokenizer split, then byte-pair merges per chunk.
type Tokenizer struct {
	vocab *Vocabulary
	pre   *regexp2.Regexp
}

// NewTokenizer returns a tokenizer over the given vocabulary.
func NewTokenizer(vocab *Vocabulary) *Tokenizer {
	return &Tokenizer{
		vocab: vocab,
		pre:   regexp2.MustCompile(Pretokenizer, regexp2.Unicode|regexp2.RE2),
	}
}

// Tokenize encodes a prompt to exactly ContextLen ids: start marker, the
// prompt tokens, end marker, zero padding. Long prompts are truncated so the
// end marker is always present.
func (t *Tokenizer) Tokenize(text string) []int32 {
	ids := []int32{t.vocab.SOT()}
	for _, chunk := range t.split(normalize(text)) {
		ids = append(ids, t.encodeChunk(chunk)...)
	}
	if len(ids) > ContextLen-1 {
		ids = ids[:ContextLen-1]
	}
	ids = append(ids, t.vocab.EOT())
	for len(ids) < ContextLen {
		ids = append(ids, 0)
	}
	return ids
}

// normalize lowercases and collapses runs of whitespace, like CLIP's
// whitespace_clean.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// split applies the pretokenizer pattern, returning the matched chunks.
func (t *Tokenizer) split(text string) []string {
	var chunks []string
	runes := []rune(text)
	for m, _ := t.pre.FindRunesMatch(runes); m != nil; m, _ = t.pre.FindNextMatch(m) {
		chunks = append(chunks, m.String())
	}
	return chunks
}

// bpePair is a mergeable pair of adjacent symbols and its rank.
type bpePair struct {
	a, b  int
	rank  int
	value string
}

// bpeSymbol is one entry of the doubly linked symbol list the merge loop
// operates on.
type bpeSymbol struct {
	prev, next int
	text       string
}

// encodeChunk runs the byte-pair merge loop on one pretokenizer chunk. The
// final byte of the chunk carries the word-end marker before merging.
func (t *Tokenizer) encodeChunk(chunk string) []int32 {
	bytes := []byte(chunk)
	if len(bytes) == 0 {
		return nil
	}
	symbols := make([]bpeSymbol, len(bytes))
	for i, b := range bytes {
		symbols[i] = bpeSymbol{prev: i - 1, next: i + 1, text: string(rune(b))}
	}
	symbols[len(bytes)-1].text += wordEnd

	pairAt := func(a, b int) *bpePair {
		if a < 0 || b >= len(symbols) {
			return nil
		}
		rank, ok := t.vocab.mergeRank(symbols[a].text, symbols[b].text)
		if !ok {
			return nil
		}
		return &bpePair{a: a, b: b, rank: rank, value: symbols[a].text + symbols[b].text}
	}

	pairs := heap.NewWith(func(i, j *bpePair) int {
		return cmp.Compare(i.rank, j.rank)
	})
	for i := 0; i < len(symbols)-1; i++ {
		if pair := pairAt(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()
		left, right := symbols[pair.a], symbols[pair.b]
		if left.text == "" || right.text == "" || left.text+right.text != pair.value {
			continue // Stale entry, one side was already merged.
		}
		symbols[pair.a].text = pair.value
		symbols[pair.b].text = ""
		symbols[pair.a].next = right.next
		if right.next < len(symbols) {
			symbols[right.next].prev = pair.a
		}
		if next := pairAt(symbols[pair.a].prev, pair.a); next != nil {
			pairs.Push(next)
		}
		if next := pairAt(pair.a, symbols[pair.a].next); next != nil {
			pairs.Push(next)
		}
	}

	var ids []int32
	for _, symbol := range symbols {
		if symbol.text == "" {
			continue
		}
		if id, ok := t.vocab.encode(symbol.text); ok {
			ids = append(ids, id)
			continue
		}
		// Unknown merged symbol: fall back to its bytes.
		text := strings.TrimSuffix(symbol.text, wordEnd)
		for i, r := range []rune(text) {
			suffix := ""
			if strings.HasSuffix(symbol.text, wordEnd) && i == len([]rune(text))-1 {
				suffix = wordEnd
			}
			if id, ok := t.vocab.encode(string(r) + suffix); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
