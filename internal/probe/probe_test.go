package probe

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeRejectsNonHTTPScheme(t *testing.T) {
	if _, err := Probe("file:///etc/passwd", nil); err == nil {
		t.Fatal("expected Probe to reject a non-http(s) scheme")
	}
}

func TestProbeDetectsMP4ByContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
	}))
	defer srv.Close()

	st, err := Probe(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if st != StreamDirectMP4 {
		t.Fatalf("StreamType = %v, want %v", st, StreamDirectMP4)
	}
}

func TestProbeDetectsHLSByContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	}))
	defer srv.Close()

	st, err := Probe(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if st != StreamHLS {
		t.Fatalf("StreamType = %v, want %v", st, StreamHLS)
	}
}

func TestProbeFallsBackToBodySniff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No Content-Type: forces the GET-and-sniff fallback path.
			return
		}
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
	}))
	defer srv.Close()

	st, err := Probe(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if st != StreamHLS {
		t.Fatalf("StreamType = %v, want %v (sniffed from body)", st, StreamHLS)
	}
}

func TestSniffDetectsTSBySyncByte(t *testing.T) {
	buf := make([]byte, 188*2)
	buf[0] = 0x47
	buf[188] = 0x47
	if got := sniff(buf); got != StreamTS {
		t.Fatalf("sniff = %v, want %v", got, StreamTS)
	}
}

func TestSniffDetectsMP4ByFtyp(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	if got := sniff(buf); got != StreamDirectMP4 {
		t.Fatalf("sniff = %v, want %v", got, StreamDirectMP4)
	}
}

func TestSniffUnknown(t *testing.T) {
	if got := sniff([]byte{0, 1, 2, 3}); got != StreamUnknown {
		t.Fatalf("sniff = %v, want %v", got, StreamUnknown)
	}
}

func TestContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := ContentLength(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if n != 1234 {
		t.Fatalf("ContentLength = %d, want 1234", n)
	}
}

func TestSupportsRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
	}))
	defer srv.Close()

	ok, err := SupportsRange(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("SupportsRange: %v", err)
	}
	if !ok {
		t.Fatal("expected Accept-Ranges: bytes to report true")
	}
}
