package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectionTrackerNestsHeadings(t *testing.T) {
	tr := &sectionTracker{}
	tr.observe("# Guide")
	tr.observe("## Install")
	assert.Equal(t, "Guide > Install", tr.path())

	// A sibling heading replaces the deeper levels.
	tr.observe("## Configure")
	assert.Equal(t, "Guide > Configure", tr.path())

	// A new top-level heading resets the stack.
	tr.observe("# Appendix")
	assert.Equal(t, "Appendix", tr.path())
}

func TestSectionTrackerIgnoresBodyLines(t *testing.T) {
	tr := &sectionTracker{}
	assert.False(t, tr.observe("not a # heading"))
	assert.True(t, tr.observe("### Deep"))
	assert.Equal(t, "Deep", tr.path())
}

func TestSplitSectionsCutsAtHeadings(t *testing.T) {
	tr := &sectionTracker{}
	segs := tr.splitSections("intro text\n# One\nfirst body\n## Two\nsecond body")
	require.Len(t, segs, 3)

	assert.Equal(t, "", segs[0].path)
	assert.Equal(t, "intro text", segs[0].text)
	assert.Equal(t, "One", segs[1].path)
	assert.Equal(t, "first body", segs[1].text)
	assert.Equal(t, "One > Two", segs[2].path)
	assert.Equal(t, "second body", segs[2].text)
}

func TestSplitSectionsCarriesContextAcrossBlocks(t *testing.T) {
	tr := &sectionTracker{}
	tr.splitSections("# Persistent")
	segs := tr.splitSections("later block body")
	require.Len(t, segs, 1)
	assert.Equal(t, "Persistent", segs[0].path)
}
