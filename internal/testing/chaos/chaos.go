// Package chaos corrupts valid inputs so tests can check that statement
// parsers and persisted cache artifacts fail softly instead of panicking.
package chaos

import (
	"math/rand"
)

// Corruptor applies seeded, reproducible mutations.
type Corruptor struct {
	rng *rand.Rand
}

// NewCorruptor creates a new Corruptor with the given seed.
func NewCorruptor(seed int64) *Corruptor {
	return &Corruptor{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Mutation represents a type of corruption applied to input.
type Mutation int

const (
	BitFlip Mutation = iota
	ByteDelete
	ByteInsert
	Truncation
	// QuoteInject drops a quote character at a random offset, which
	// unbalances string literals and JSON strings alike.
	QuoteInject
	mutationCount
)

var quotes = []byte{'\'', '"', '`', '['}

// Corrupt returns a mutated copy of input. The input is never modified.
func (c *Corruptor) Corrupt(input []byte) []byte {
	result := append([]byte(nil), input...)
	if len(result) == 0 {
		return c.randomBytes()
	}

	switch Mutation(c.rng.Intn(int(mutationCount))) {
	case BitFlip:
		n := c.rng.Intn(3) + 1
		for range n {
			result[c.rng.Intn(len(result))] ^= byte(1 << c.rng.Intn(8))
		}
	case ByteDelete:
		idx := c.rng.Intn(len(result))
		result = append(result[:idx], result[idx+1:]...)
	case ByteInsert:
		result = c.insert(result, byte(c.rng.Intn(256)))
	case Truncation:
		result = result[:c.rng.Intn(len(result))]
	case QuoteInject:
		result = c.insert(result, quotes[c.rng.Intn(len(quotes))])
	}
	return result
}

func (c *Corruptor) insert(b []byte, v byte) []byte {
	idx := c.rng.Intn(len(b) + 1)
	b = append(b, 0)
	copy(b[idx+1:], b[idx:])
	b[idx] = v
	return b
}

func (c *Corruptor) randomBytes() []byte {
	b := make([]byte, c.rng.Intn(10)+1)
	c.rng.Read(b)
	return b
}

// CorruptN applies n corruptions in sequence.
func (c *Corruptor) CorruptN(input []byte, n int) []byte {
	result := input
	for range n {
		result = c.Corrupt(result)
	}
	return result
}

// GenerateCorpus returns count corrupted variants of valid, each mutated
// one to five times.
func (c *Corruptor) GenerateCorpus(valid []byte, count int) [][]byte {
	corpus := make([][]byte, count)
	for i := range corpus {
		corpus[i] = c.CorruptN(valid, c.rng.Intn(5)+1)
	}
	return corpus
}
