package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/a/b", "/a/b"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"//a///b//", "/a/b"},
		{"", ""},
		{"/", ""},
		{"/////", ""},
		{"!!!", ""},
		{"/a b/c", "/ab/c"},
		{"/caf\xc3\xa9", "/caf"},
		{"/A-Z_09", "/A-Z_09"},
		{"qio/ohai", "/qio/ohai"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CleanPath(tc.in), "CleanPath(%q)", tc.in)
	}
}

func TestCleanPathIdempotent(t *testing.T) {
	inputs := []string{"/a/b", "a//b/", "/x!y/z", "", "///"}
	for _, in := range inputs {
		once := CleanPath(in)
		assert.Equal(t, once, CleanPath(once), "CleanPath(%q)", in)
	}
}

func TestChildIndexCoversAlphabet(t *testing.T) {
	for c := byte('-'); c <= 'z'; c++ {
		if !pathByteAllowed(c) {
			continue
		}
		idx := childIndex(c)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, int(childSpan))
	}
}
