// judge-cmp compares a program's output against the expected answer. It is
// the binary the compare checker runs inside the sandbox.
//
// Usage: judge-cmp [-w] output answer
//
// Exit code 0 means the files match, 1 means they differ, anything else is
// a comparator failure. Trailing whitespace on each line and trailing blank
// lines never count as a difference; -w additionally ignores all whitespace
// differences by comparing whitespace-separated tokens.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const exitDiffers = 1
const exitFailed = 2

// maxTokenBytes bounds a single line or token; outputs past this are not
// sane judge data.
const maxTokenBytes = 64 << 20

func main() {
	ignoreWhitespace := flag.Bool("w", false, "ignore all whitespace differences")
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: judge-cmp [-w] output answer")
		os.Exit(exitFailed)
	}

	out, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
	defer out.Close()
	ans, err := os.Open(flag.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
	defer ans.Close()

	var same bool
	if *ignoreWhitespace {
		same, err = compareTokens(out, ans)
	} else {
		same, err = compareLines(out, ans)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
	if !same {
		os.Exit(exitDiffers)
	}
}

func newScanner(r io.Reader, split bufio.SplitFunc) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxTokenBytes)
	s.Split(split)
	return s
}

// compareTokens treats both files as whitespace-separated token streams.
func compareTokens(out, ans io.Reader) (bool, error) {
	a := newScanner(out, bufio.ScanWords)
	b := newScanner(ans, bufio.ScanWords)
	for {
		aOK, bOK := a.Scan(), b.Scan()
		if !aOK || !bOK {
			if err := a.Err(); err != nil {
				return false, err
			}
			if err := b.Err(); err != nil {
				return false, err
			}
			return aOK == bOK, nil
		}
		if a.Text() != b.Text() {
			return false, nil
		}
	}
}

// compareLines compares line by line, ignoring trailing whitespace on each
// line and trailing blank lines.
func compareLines(out, ans io.Reader) (bool, error) {
	a := newScanner(out, bufio.ScanLines)
	b := newScanner(ans, bufio.ScanLines)
	var aPending, bPending int
	for {
		aLine, aOK, err := nextLine(a, &aPending)
		if err != nil {
			return false, err
		}
		bLine, bOK, err := nextLine(b, &bPending)
		if err != nil {
			return false, err
		}
		if !aOK || !bOK {
			return aOK == bOK, nil
		}
		// blank lines between content must still line up
		if aPending != bPending {
			return false, nil
		}
		aPending, bPending = 0, 0
		if aLine != bLine {
			return false, nil
		}
	}
}

// nextLine returns the next non-blank trimmed line, counting skipped blank
// lines in pending. Blank lines at EOF are dropped.
func nextLine(s *bufio.Scanner, pending *int) (string, bool, error) {
	for s.Scan() {
		line := strings.TrimRight(s.Text(), " \t\r")
		if line == "" {
			*pending++
			continue
		}
		return line, true, nil
	}
	return "", false, s.Err()
}
