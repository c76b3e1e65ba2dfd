package marker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = "<html><head>" + HeadMarker + "</head><body>" + BodyMarker + "</body></html>"

func TestSplit(t *testing.T) {
	cases := []struct {
		name      string
		template  string
		expBefore string
		expAfter  string
		expErr    error
	}{
		{
			name:      "happy case",
			template:  page,
			expBefore: "<html><head>" + HeadMarker + "</head><body>",
			expAfter:  "</body></html>",
		},
		{
			name:     "missing body marker",
			template: "<html><head>" + HeadMarker + "</head><body></body></html>",
			expErr:   ErrMissingBodyMarker,
		},
		{
			name:      "repeated body marker only splits on the first",
			template:  "a" + BodyMarker + "b" + BodyMarker + "c",
			expBefore: "a",
			expAfter:  "b" + BodyMarker + "c",
		},
		{
			name:      "marker only",
			template:  BodyMarker,
			expBefore: "",
			expAfter:  "",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			seg, err := Split(c.template, BodyMarker)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expBefore, seg.BeforeBody)
			assert.Equal(t, c.expAfter, seg.AfterBody)
			assert.Equal(t, c.template, Join(seg, BodyMarker))
		})
	}
}

func TestInjectHead(t *testing.T) {
	out, ok := InjectHead("<head>"+HeadMarker+"</head>", HeadMarker, "<title>X</title>")
	assert.True(t, ok)
	assert.Equal(t, "<head><title>X</title></head>", out)

	out, ok = InjectHead("<head></head>", HeadMarker, "<title>X</title>")
	assert.False(t, ok)
	assert.Equal(t, "<head></head>", out)

	out, ok = InjectHead(HeadMarker+HeadMarker, HeadMarker, "h")
	assert.True(t, ok)
	assert.Equal(t, "h"+HeadMarker, out)
}

func TestValidate(t *testing.T) {
	w, err := Validate(page)
	require.NoError(t, err)
	assert.Empty(t, w)

	w, err = Validate("<body>" + BodyMarker + "</body>")
	require.NoError(t, err)
	assert.Len(t, w, 1)

	_, err = Validate("<body></body>")
	assert.ErrorIs(t, err, ErrMissingBodyMarker)
}

func TestAssemble(t *testing.T) {
	cases := []struct {
		name      string
		template  string
		head      string
		body      string
		bodyAttrs string
		exp       string
	}{
		{
			name:     "head and body",
			template: page,
			head:     "<title>X</title>",
			body:     "<div>Y</div>",
			exp:      "<html><head><title>X</title></head><body><div>Y</div></body></html>",
		},
		{
			name:      "body attributes",
			template:  page,
			body:      "<div>Y</div>",
			bodyAttrs: `class="dark"`,
			exp:       `<html><head></head><body class="dark"><div>Y</div></body></html>`,
		},
		{
			name:      "body tag with existing attributes",
			template:  `<BODY id="root">` + BodyMarker + "</BODY>",
			body:      "y",
			bodyAttrs: `data-x="1"`,
			exp:       `<BODY data-x="1" id="root">y</BODY>`,
		},
		{
			name:      "does not match tags that only start with body",
			template:  "<bodyguard></bodyguard><body>" + BodyMarker + "</body>",
			body:      "y",
			bodyAttrs: `a="b"`,
			exp:       `<bodyguard></bodyguard><body a="b">y</body>`,
		},
		{
			name:     "no head marker",
			template: "<body>" + BodyMarker + "</body>",
			head:     "<title>X</title>",
			body:     "y",
			exp:      "<body>y</body>",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := Assemble(c.template, c.head, c.body, c.bodyAttrs)
			require.NoError(t, err)
			assert.Equal(t, c.exp, out)
		})
	}

	_, err := Assemble("<body></body>", "", "", "")
	assert.ErrorIs(t, err, ErrMissingBodyMarker)
}
