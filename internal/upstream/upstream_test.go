package upstream

import "testing"

func TestParseURL(t *testing.T) {
	tgt, err := Parse("https://origin.example.com:8443/base")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Scheme != "https" || tgt.Host != "origin.example.com" || tgt.Port != 8443 || tgt.BasePath != "/base" {
		t.Fatalf("unexpected target: %+v", tgt)
	}
}

func TestParseURLDefaultPort(t *testing.T) {
	tgt, err := Parse("https://origin.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Port != 443 {
		t.Fatalf("want default https port 443, got %d", tgt.Port)
	}
}

func TestParseShorthand(t *testing.T) {
	tgt, err := Parse("10.0.0.5:80")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Scheme != "http" || tgt.Host != "10.0.0.5" || tgt.Port != 80 || tgt.BasePath != "" {
		t.Fatalf("unexpected target: %+v", tgt)
	}
}

func TestParseShorthandWithBase(t *testing.T) {
	tgt, err := Parse("10.0.0.5:8080/svc")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.BasePath != "/svc" {
		t.Fatalf("want base path /svc, got %q", tgt.BasePath)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("not-a-valid-spec-at-all:::"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOutgoingHostFollowDomain(t *testing.T) {
	tgt, _ := Parse("10.0.0.5:80")
	host := OutgoingHost(tgt, true, "public.example.com:8443")
	if host != "public.example.com" {
		t.Fatalf("want public.example.com, got %q", host)
	}
}

func TestOutgoingHostUpstream(t *testing.T) {
	tgt, _ := Parse("10.0.0.5:80")
	host := OutgoingHost(tgt, false, "public.example.com")
	if host != "10.0.0.5" {
		t.Fatalf("want upstream host, got %q", host)
	}
}

func TestRewritePath(t *testing.T) {
	tgt, _ := Parse("http://origin:80/base")
	got := RewritePath(tgt, "/api", "/api/widgets")
	if got != "/base/widgets" {
		t.Fatalf("want /base/widgets, got %q", got)
	}
}

func TestRewritePathNoBase(t *testing.T) {
	tgt, _ := Parse("http://origin:80")
	got := RewritePath(tgt, "/api", "/api/widgets")
	if got != "/api/widgets" {
		t.Fatalf("want unchanged path, got %q", got)
	}
}
