package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		html      string
		wantTitle string
		wantBody  string
	}{
		{
			name:      "title and body",
			html:      "<html><head><title>  Go Proverbs \n</title></head><body><h1>Clear   is</h1>\n\n<p>better\tthan clever</p></body></html>",
			wantTitle: "Go Proverbs",
			wantBody:  "Clear is better than clever",
		},
		{
			name:      "missing title falls back to url",
			html:      "<html><body>only body</body></html>",
			wantTitle: "https://example.com/page",
			wantBody:  "only body",
		},
		{
			name:      "blank title falls back to url",
			html:      "<title>   </title><p>x</p>",
			wantTitle: "https://example.com/page",
			wantBody:  "x",
		},
		{
			name:      "scripts and styles are not visible text",
			html:      "<body><script>var a = 1;</script><style>p{}</style><p>kept</p></body>",
			wantTitle: "https://example.com/page",
			wantBody:  "kept",
		},
		{
			name:      "empty document",
			html:      "",
			wantTitle: "https://example.com/page",
			wantBody:  "",
		},
	}

	ex := New()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			title, body := ex.Extract([]byte(tc.html), "https://example.com/page")
			assert.Equal(t, tc.wantTitle, title)
			assert.Equal(t, tc.wantBody, body)
		})
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := []byte("<title>T</title><body><div>a  b</div></body>")
	t1, b1 := New().Extract(raw, "u")
	t2, b2 := New().Extract(raw, "u")
	assert.Equal(t, t1, t2)
	assert.Equal(t, b1, b2)
}

func TestCollapseWhitespace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a b c", CollapseWhitespace("  a\n\t b   c \r\n"))
	assert.Equal(t, "", CollapseWhitespace(" \n "))
}
