// Package wer measures OCR quality as word error rate against a reference
// transcript.
package wer

import (
	"math"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// NoReference marks a page without a ground-truth transcript. It is a valid
// result, excluded from every average.
const NoReference = -1.0

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Normalize strips markdown markup by walking the parsed AST and keeping only
// text content, then reduces the text to space-joined runs of Unicode letters
// and digits. Both sides of a WER comparison go through this same function;
// the metric must never see asymmetric cleanup.
func Normalize(text string) string {
	plain := stripMarkdown(text)
	tokens := tokenRe.FindAllString(plain, -1)
	return strings.Join(tokens, " ")
}

func stripMarkdown(src string) string {
	source := []byte(src)
	doc := goldmark.DefaultParser().Parse(gmtext.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			b.WriteByte(' ')
		case *ast.CodeSpan, *ast.CodeBlock, *ast.FencedCodeBlock:
			for i := 0; i < n.Lines().Len(); i++ {
				seg := n.Lines().At(i)
				b.Write(seg.Value(source))
				b.WriteByte(' ')
			}
		case *ast.AutoLink:
			b.Write(node.URL(source))
			b.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// Compute returns the word error rate of ocrText against referenceText:
// (substitutions + insertions + deletions) / reference word count, via
// word-level edit distance over normalized tokens. An empty reference yields
// 0; a reference with no recognized output yields 1.
func Compute(ocrText, referenceText string) float64 {
	ref := strings.Fields(Normalize(referenceText))
	hyp := strings.Fields(Normalize(ocrText))

	if len(ref) == 0 {
		return 0
	}
	if len(hyp) == 0 {
		return 1
	}

	dist := editDistance(ref, hyp)
	return math.Round(float64(dist)/float64(len(ref))*10000) / 10000
}

// editDistance is word-level Levenshtein with two rolling rows.
func editDistance(ref, hyp []string) int {
	prev := make([]int, len(hyp)+1)
	curr := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		curr[0] = i
		for j := 1; j <= len(hyp); j++ {
			sub := prev[j-1]
			if ref[i-1] != hyp[j-1] {
				sub++
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			curr[j] = min3(sub, del, ins)
		}
		prev, curr = curr, prev
	}
	return prev[len(hyp)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
