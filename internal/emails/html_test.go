package emails_test

import (
	"strings"
	"testing"

	"mailsweep/internal/emails"
)

func TestPageTextSkipsScriptAndStyle(t *testing.T) {
	body := []byte(`<html><head>
		<style>body { color: red; } /* css@style.com */</style>
		<script>var tracker = "js@script.com";</script>
	</head><body>
		<noscript>fallback@noscript.com</noscript>
		<p>Contact sales@bigco.com today.</p>
	</body></html>`)

	text, mailtos := emails.PageText(body)
	if !strings.Contains(text, "sales@bigco.com") {
		t.Fatalf("expected visible text to survive, got %q", text)
	}
	for _, hidden := range []string{"css@style.com", "js@script.com", "fallback@noscript.com"} {
		if strings.Contains(text, hidden) {
			t.Fatalf("expected %s to be skipped, got %q", hidden, text)
		}
	}
	if len(mailtos) != 0 {
		t.Fatalf("expected no mailto links, got %v", mailtos)
	}
}

func TestPageTextCollectsMailtoLinks(t *testing.T) {
	body := []byte(`<body>
		<a href="mailto:Info@BigCo.com?subject=Hello">email us</a>
		<a href="mailto:sales%40bigco.com">sales</a>
		<a href="/contact">contact page</a>
		<a href="mailto:">broken</a>
	</body>`)

	_, mailtos := emails.PageText(body)
	want := []string{"info@bigco.com", "sales@bigco.com"}
	if len(mailtos) != len(want) {
		t.Fatalf("expected %v, got %v", want, mailtos)
	}
	for i := range want {
		if mailtos[i] != want[i] {
			t.Fatalf("mailto %d: expected %s, got %s", i, want[i], mailtos[i])
		}
	}
}

func TestPageTextToleratesNonHTML(t *testing.T) {
	text, mailtos := emails.PageText([]byte("plain text with owner@bigco.com inside"))
	if !strings.Contains(text, "owner@bigco.com") {
		t.Fatalf("expected plain text back, got %q", text)
	}
	if len(mailtos) != 0 {
		t.Fatalf("expected no mailtos, got %v", mailtos)
	}
}
