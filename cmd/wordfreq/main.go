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

// Command wordfreq counts the words of a text file and prints the number of
// distinct words, the frequency of a few sample words, and the first and last
// distinct words seen.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zeebo/errs/v2"

	"github.com/probemap/probemap/internal/wordfreq"
)

type config struct {
	file     string
	capacity int
	words    []string
	stop     []string
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("wordfreq: ")

	var (
		cfg   config
		words string
		stop  string
	)
	flag.StringVar(&cfg.file, "file", "98-0.txt", "text file to count")
	flag.IntVar(&cfg.capacity, "capacity", 2_000_000, "initial table capacity")
	flag.StringVar(&words, "words", "The,lazy,fox,jumps,over,the,fence", "comma separated words to report")
	flag.StringVar(&stop, "stop", "", "comma separated words to drop before reporting")
	flag.Parse()

	cfg.words = splitList(words)
	cfg.stop = splitList(stop)

	if err := run(os.Stdout, cfg); err != nil {
		log.Fatalf("%+v", err)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func run(w io.Writer, cfg config) error {
	fh, err := os.Open(cfg.file)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	c := wordfreq.NewCounter(cfg.capacity)
	if _, err := c.AddFrom(fh); err != nil {
		return errs.Errorf("reading %q: %w", cfg.file, err)
	}
	c.Remove(cfg.stop...)

	fmt.Fprintf(w, "Text contains %d unique words\n", c.Unique())

	fmt.Fprintf(w, "\nExample of few frequencies:\n")
	for _, word := range cfg.words {
		if n, ok := c.Count(word); ok {
			fmt.Fprintf(w, "%s: Found %d times!\n", word, n)
		} else {
			fmt.Fprintf(w, "%s: Not found!\n", word)
		}
	}

	if word, n, ok := c.First(); ok {
		fmt.Fprintf(w, "\nFirst word and freq are (%q, %d)\n", word, n)
	}
	if word, n, ok := c.Last(); ok {
		fmt.Fprintf(w, "Last word and freq are (%q, %d)\n", word, n)
	}
	return nil
}
