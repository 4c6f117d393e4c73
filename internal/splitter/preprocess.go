package splitter

import (
	"regexp"
	"strings"
	"unicode"
)

// PreprocessOptions configures text cleanup before splitting
type PreprocessOptions struct {
	CompressSpaces     bool // Compress runs of spaces/tabs inside a line
	CollapseBlankLines bool // Reduce 3+ newlines to a paragraph break
	StripControl       bool // Drop non-printing control characters
	TrimLines          bool // Remove trailing whitespace on every line
}

// DefaultPreprocessOptions returns sensible defaults
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		CompressSpaces:     true,
		CollapseBlankLines: true,
		StripControl:       true,
		TrimLines:          true,
	}
}

var (
	spacePattern     = regexp.MustCompile(`[ \t]{2,}`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
)

// Preprocessor normalises whitespace in documents to reduce token usage
type Preprocessor struct {
	opts PreprocessOptions
}

// NewPreprocessor creates a new preprocessor with given options
func NewPreprocessor(opts PreprocessOptions) *Preprocessor {
	return &Preprocessor{opts: opts}
}

// Preprocess cleans text according to the configured options
func (p *Preprocessor) Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if p.opts.StripControl {
		text = strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' {
				return r
			}
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, text)
	}

	if p.opts.CompressSpaces || p.opts.TrimLines {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			if p.opts.CompressSpaces {
				lines[i] = compressSpaces(line)
			}
			if p.opts.TrimLines {
				lines[i] = strings.TrimRight(lines[i], " \t")
			}
		}
		text = strings.Join(lines, "\n")
	}

	if p.opts.CollapseBlankLines {
		text = blankLinePattern.ReplaceAllString(text, "\n\n")
	}

	return strings.TrimSpace(text)
}

// compressSpaces compresses consecutive spaces/tabs to a single space but
// preserves leading indentation
func compressSpaces(line string) string {
	leading := len(line) - len(strings.TrimLeft(line, " \t"))
	if leading == len(line) {
		return line
	}
	return line[:leading] + spacePattern.ReplaceAllString(line[leading:], " ")
}
