// Copyright 2026 The Probemap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wordfreq counts word frequencies in text using a probemap.Map,
// remembering the order in which words were first seen.
package wordfreq

import (
	"bufio"
	"io"

	"github.com/zeebo/errs/v2"

	"github.com/probemap/probemap"
)

// Counter counts occurrences of whitespace separated words.
type Counter struct {
	words *probemap.Map[string, uint32]
}

// NewCounter returns a Counter sized for about capacity distinct words.
func NewCounter(capacity int) *Counter {
	return &Counter{
		words: probemap.New[string, uint32](capacity,
			probemap.WithHash[string, uint32](probemap.XXHashString)),
	}
}

// Add counts one occurrence of word and returns its new count.
func (c *Counter) Add(word string) uint32 {
	n, _ := c.words.Get(word)
	n++
	c.words.Put(word, n)
	return n
}

// AddFrom reads r to the end, counting every word, and returns the number of
// words read.
func (c *Counter) AddFrom(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)

	var n int
	for sc.Scan() {
		c.Add(sc.Text())
		n++
	}
	if err := sc.Err(); err != nil {
		return n, errs.Wrap(err)
	}
	return n, nil
}

// Remove forgets the given words, returning how many of them were counted.
func (c *Counter) Remove(words ...string) int {
	var n int
	for _, w := range words {
		if _, ok := c.words.Delete(w); ok {
			n++
		}
	}
	return n
}

// Count returns how many times word was seen.
func (c *Counter) Count(word string) (uint32, bool) {
	return c.words.Get(word)
}

// Unique returns the number of distinct words counted.
func (c *Counter) Unique() int { return c.words.Len() }

// First returns the earliest seen word still counted.
func (c *Counter) First() (string, uint32, bool) { return c.words.First() }

// Last returns the most recently first-seen word still counted.
func (c *Counter) Last() (string, uint32, bool) { return c.words.Last() }

// All calls yield for every word and its count in the order the words were
// first seen.
func (c *Counter) All(yield func(word string, count uint32) bool) {
	c.words.All(yield)
}
