package htmltext

import "testing"

func TestRenderText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "inline elements",
			in:   "<p>Hello <b>world</b></p>",
			want: "Hello world",
		},
		{
			name: "fragment without markup",
			in:   "just text",
			want: "just text",
		},
		{
			name: "entities decoded",
			in:   "<p>Fish &amp; chips &lt;3</p>",
			want: "Fish & chips <3",
		},
		{
			name: "non-content elements skipped",
			in: "<html><head><title>T</title><style>p{color:red}</style></head>" +
				"<body><script>alert(1)</script><p>Body</p><noscript>enable js</noscript></body></html>",
			want: "Body",
		},
		{
			name: "paragraphs and headings separated by blank lines",
			in:   "<h1>Title</h1><p>One</p>\n\n<p>Two</p>",
			want: "Title\n\nOne\n\nTwo",
		},
		{
			name: "lists and line breaks",
			in:   "<ul><li>a</li><li>b</li></ul>Line<br>Break",
			want: "- a\n- b\nLine\nBreak",
		},
		{
			name: "table cells",
			in:   "<table><tr><td>a</td><td>b</td></tr><tr><td>c</td><td>d</td></tr></table>",
			want: "a b\nc d",
		},
		{
			name: "whitespace collapsed",
			in:   "<div>  lots   of\n\tspace <i>here</i> </div>",
			want: "lots of space here",
		},
		{
			name: "empty document",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Renderer{}.RenderText([]byte(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderText: got %q, want %q", got, tt.want)
			}
		})
	}
}
