package main

import (
	"strings"
	"testing"
)

func TestCompareTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		out, ans string
		same     bool
	}{
		{"identical", "1 2 3\n", "1 2 3\n", true},
		{"reflowed", "1\n2 3", "1 2\n3\n", true},
		{"extra token", "1 2 3 4", "1 2 3", false},
		{"differs", "1 2 4", "1 2 3", false},
		{"both empty", "", "\n  \n", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			same, err := compareTokens(strings.NewReader(tc.out), strings.NewReader(tc.ans))
			if err != nil {
				t.Fatal(err)
			}
			if same != tc.same {
				t.Errorf("same = %v, want %v", same, tc.same)
			}
		})
	}
}

func TestCompareLines(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		out, ans string
		same     bool
	}{
		{"identical", "a\nb\n", "a\nb\n", true},
		{"trailing spaces", "a  \nb\t\r\n", "a\nb\n", true},
		{"trailing blank lines", "a\nb\n\n\n", "a\nb", true},
		{"missing newline at eof", "a\nb", "a\nb\n", true},
		{"inner whitespace differs", "a b\n", "a  b\n", false},
		{"blank line shifted", "a\n\nb\n", "a\nb\n", false},
		{"content differs", "a\nc\n", "a\nb\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			same, err := compareLines(strings.NewReader(tc.out), strings.NewReader(tc.ans))
			if err != nil {
				t.Fatal(err)
			}
			if same != tc.same {
				t.Errorf("same = %v, want %v", same, tc.same)
			}
		})
	}
}
