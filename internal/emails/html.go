package emails

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// PageText tokenizes an HTML body into its visible text plus any
// addresses referenced through mailto: links. Script and style contents
// are skipped. A body that is not HTML comes back as-is.
func PageText(body []byte) (string, []string) {
	tok := html.NewTokenizer(bytes.NewReader(body))
	var text strings.Builder
	var mailtos []string
	skipDepth := 0
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; either way return what we have.
			return text.String(), mailtos
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tok.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "noscript" {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if tag == "a" && hasAttr {
				for {
					key, val, more := tok.TagAttr()
					if string(key) == "href" {
						if addr, ok := mailtoAddress(string(val)); ok {
							mailtos = append(mailtos, addr)
						}
					}
					if !more {
						break
					}
				}
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text.Write(tok.Text())
			text.WriteByte(' ')
		}
	}
}

// mailtoAddress pulls the address out of a mailto: href, dropping any
// ?subject=... tail.
func mailtoAddress(href string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(href), "mailto:") {
		return "", false
	}
	addr := href[len("mailto:"):]
	if q := strings.IndexByte(addr, '?'); q >= 0 {
		addr = addr[:q]
	}
	if unescaped, err := url.QueryUnescape(addr); err == nil {
		addr = unescaped
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return "", false
	}
	return addr, true
}
