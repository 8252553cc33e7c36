package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	raw := `<html><head><style>p { color: red; }</style></head><body>
<p>Hello team,</p>
<p>the deployment is <b>done</b>.<br>Please verify.</p>
<script>alert("x")</script>
</body></html>`

	got := htmlToText(raw)
	assert.Equal(t, "Hello team,\n\nthe deployment is done.\nPlease verify.", got)
}

func TestHTMLToTextCollapsesBlankRuns(t *testing.T) {
	raw := `<div>first</div><div></div><div></div><div>second</div>`
	assert.Equal(t, "first\n\nsecond", htmlToText(raw))
}

func TestHTMLToTextEmpty(t *testing.T) {
	assert.Equal(t, "", htmlToText("   "))
}

func TestMessageBodyPrefersPlainText(t *testing.T) {
	msg := message{BodyText: "plain", BodyHTML: "<p>rich</p>"}
	assert.Equal(t, "plain", msg.body())
}

func TestMessageBodyFallsBackToHTML(t *testing.T) {
	msg := message{BodyHTML: "<p>rich <i>content</i></p>"}
	assert.Equal(t, "rich content", msg.body())
}
