package wer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Corpus looks up reference transcripts by page number from a directory of
// page_N.txt files. A missing file means no ground truth exists for that
// page.
type Corpus struct {
	dir string
}

func NewCorpus(dir string) *Corpus {
	return &Corpus{dir: dir}
}

// Lookup returns the reference text for a page, or ok=false when the page has
// no ground truth.
func (c *Corpus) Lookup(pageNumber int) (string, bool) {
	path := filepath.Join(c.dir, fmt.Sprintf("page_%d.txt", pageNumber))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
