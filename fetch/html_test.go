package fetch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-sync/inkwell/fetch"
)

func TestExtractText(t *testing.T) {
	raw := `<html><head><style>p { color: red; }</style>
	<script>console.log("skip me")</script></head>
	<body><h1>Heading</h1><p>First   paragraph.</p>
	<div><span>Nested</span> text</div></body></html>`

	text := fetch.ExtractText(raw)
	assert.Equal(t, "Heading First paragraph. Nested text", text)
}

func TestExtractTextEmpty(t *testing.T) {
	assert.Equal(t, "", fetch.ExtractText(""))
	assert.Equal(t, "plain", fetch.ExtractText("plain"))
}

func TestExtractImages(t *testing.T) {
	raw := `<html><body>
	<img src="/res/a" data-fullres-src="/res/a/full" alt="first"/>
	<p>between</p>
	<img src="/res/b"/>
	<img alt="no source, skipped"/>
	</body></html>`

	refs := fetch.ExtractImages(raw)
	require.Len(t, refs, 2)
	assert.Equal(t, "/res/a", refs[0].Src)
	assert.Equal(t, "/res/a/full", refs[0].FullResSrc)
	assert.Equal(t, "first", refs[0].AltText)
	assert.Equal(t, "/res/b", refs[1].Src)
	assert.Empty(t, refs[1].FullResSrc)
}
