// Package cli holds small interactive terminal helpers.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter reads interactive answers from one stream and writes prompts to
// another.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter creates a prompter over the given streams.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(in), out: out}
}

// Line prints the prompt and returns one trimmed input line.
func (p *Prompter) Line(prompt string) string {
	fmt.Fprintf(p.out, "%s ", prompt)
	if p.in.Scan() {
		return strings.TrimSpace(p.in.Text())
	}
	return ""
}

// Confirm asks a yes/no question. Empty input takes the default.
func (p *Prompter) Confirm(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	answer := strings.ToLower(p.Line(prompt + " " + suffix))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

// Select prints a numbered list and returns the chosen entry. The answer may
// be the entry's number or its exact text; anything else re-prompts until
// input runs out, in which case the empty string comes back.
func (p *Prompter) Select(prompt string, choices []string) string {
	fmt.Fprintln(p.out, prompt)
	for i, choice := range choices {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, choice)
	}

	for {
		answer := p.Line("choice:")
		if answer == "" {
			return ""
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(choices) {
			return choices[n-1]
		}
		for _, choice := range choices {
			if answer == choice {
				return choice
			}
		}
		fmt.Fprintf(p.out, "pick 1-%d\n", len(choices))
	}
}
