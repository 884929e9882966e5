package render

import (
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type decorateOptions struct {
	clickURL       func(linkID string) string
	trackClicks    bool
	pixelURL       string
	unsubscribeURL string
}

// decorateHTML rewrites links through the click tracker and appends the
// unsubscribe footer and open pixel. Link ids follow document order so the
// same body always yields the same ids.
func decorateHTML(body string, opts decorateOptions) (string, map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", nil, err
	}

	links := map[string]string{}
	if opts.trackClicks {
		n := 0
		doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			href = strings.TrimSpace(href)
			if !isTrackable(href) {
				return
			}
			n++
			linkID := fmt.Sprintf("l%d", n)
			links[linkID] = href
			a.SetAttr("href", opts.clickURL(linkID))
		})
	}

	bodySel := doc.Find("body")
	if opts.unsubscribeURL != "" {
		bodySel.AppendHtml(fmt.Sprintf(
			`<p style="font-size:12px;color:#888888;text-align:center;margin-top:24px"><a href="%s" style="color:#888888">Unsubscribe</a></p>`,
			html.EscapeString(opts.unsubscribeURL)))
	}
	if opts.pixelURL != "" {
		bodySel.AppendHtml(fmt.Sprintf(
			`<img src="%s" width="1" height="1" alt="" style="display:none;border:0" />`,
			html.EscapeString(opts.pixelURL)))
	}

	out, err := doc.Html()
	if err != nil {
		return "", nil, err
	}
	return out, links, nil
}

func isTrackable(href string) bool {
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func HTMLToPlainText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	// Remove script and style elements
	doc.Find("script, style").Each(func(i int, el *goquery.Selection) {
		el.Remove()
	})

	text := doc.Find("body").Text()

	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\n\n", "\n")

	return text, nil
}
