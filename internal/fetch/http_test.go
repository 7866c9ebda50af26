package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/task"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 64)

// halfServer announces len(payload) bytes but sends only the first half and
// then waits for the client to go away.
func halfServer(modified time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("Content-Length", "1024")
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:512])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func stopAtHalf(tk **task.Task, mode task.StopMode) task.Sink {
	return task.SinkFunc(func(_ string, p domain.Progress) {
		if p.Kind == domain.ProgressFraction && p.Fraction >= 0.5 {
			(*tk).Stop(mode)
		}
	})
}

func TestResumeAfterHold(t *testing.T) {
	modified := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var second atomic.Bool
	var rangeSeen atomic.Value
	rangeSeen.Store("")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !second.Load() {
			halfServer(modified)(w, r)
			return
		}
		if r.Method == http.MethodGet {
			rangeSeen.Store(r.Header.Get("Range"))
		}
		http.ServeContent(w, r, "file.bin", modified, bytes.NewReader(payload))
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	dir := t.TempDir()
	order, err := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")
	if err != nil {
		t.Fatal(err)
	}

	var first *task.Task
	first = task.New(context.Background(), "d1", stopAtHalf(&first, task.StopHold))
	d := h.Fetch(first, order)
	first.Release()

	if d.Status != domain.StatusHeld {
		t.Fatalf("expected held, got %v", d)
	}
	info, err := os.Stat(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("partial file missing: %v", err)
	}
	if info.Size() != 512 {
		t.Fatalf("expected 512 bytes kept, got %d", info.Size())
	}

	second.Store(true)
	rec := &recorder{}
	again := task.New(context.Background(), "d2", rec)
	defer again.Release()
	d = h.Fetch(again, order)

	if d.Status != http.StatusOK {
		t.Fatalf("expected 200, got %v", d)
	}
	if got := rangeSeen.Load().(string); got != "bytes=512-" {
		t.Errorf("expected range from 512, got %q", got)
	}
	data, _ := os.ReadFile(d.Path)
	if !bytes.Equal(data, payload) {
		t.Errorf("resumed content mismatch: %d bytes", len(data))
	}
	if d.Bytes != 1024 {
		t.Errorf("expected 1024 bytes, got %d", d.Bytes)
	}

	fr := rec.kind(domain.ProgressFraction)
	for i := 1; i < len(fr); i++ {
		if fr[i].Fraction < fr[i-1].Fraction {
			t.Fatalf("progress went backwards: %v -> %v", fr[i-1].Fraction, fr[i].Fraction)
		}
	}
	if fr[len(fr)-1].Fraction != 1 {
		t.Errorf("expected final progress 1, got %v", fr[len(fr)-1].Fraction)
	}
}

func TestCancelRemovesCreatedFile(t *testing.T) {
	srv := httptest.NewServer(halfServer(time.Now().Add(-time.Hour)))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	dir := t.TempDir()
	order, _ := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")

	var tk *task.Task
	tk = task.New(context.Background(), "d1", stopAtHalf(&tk, task.StopCancel))
	defer tk.Release()

	d := h.Fetch(tk, order)
	if d.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", d)
	}
	if _, err := os.Stat(filepath.Join(dir, "file.bin")); !os.IsNotExist(err) {
		t.Errorf("cancelled file should be removed, stat err=%v", err)
	}
}

func TestCancelKeepsPreexistingFile(t *testing.T) {
	srv := httptest.NewServer(halfServer(time.Now().Add(-time.Hour)))
	defer srv.Close()

	env := newTestEnv(t)
	env.Config.CheckLastModified = false
	h := NewHTTP(env)
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	order, _ := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")

	var tk *task.Task
	tk = task.New(context.Background(), "d1", stopAtHalf(&tk, task.StopCancel))
	defer tk.Release()

	if d := h.Fetch(tk, order); d.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", d)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("pre-existing file must survive a cancel: %v", err)
	}
}

func TestAncestryMismatchPicksAlternativeName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	h := NewHTTP(env)
	dir := t.TempDir()
	orig := filepath.Join(dir, "file.bin")
	os.WriteFile(orig, []byte("someone else's"), 0o644)
	env.Ancestry.RecordAncestry(context.Background(), orig, "elsewhere.example")

	rec := &recorder{}
	tk := task.New(context.Background(), "d1", rec)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")
	d := h.Fetch(tk, order)
	if d.Status != http.StatusOK {
		t.Fatalf("expected 200, got %v", d)
	}
	if want := filepath.Join(dir, "file (1).bin"); d.Path != want {
		t.Errorf("expected %s, got %s", want, d.Path)
	}
	if data, _ := os.ReadFile(orig); string(data) != "someone else's" {
		t.Errorf("original file was modified: %q", data)
	}
	renames := rec.kind(domain.ProgressRename)
	if len(renames) != 1 || renames[0].NewName != "file (1).bin" {
		t.Errorf("expected one rename notice, got %+v", renames)
	}
}

func TestUnauthorizedReturnsChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="vault", charset="UTF-8"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	dir := t.TempDir()
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/secret.bin", dir, "")
	d := h.Fetch(tk, order)
	if d.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", d)
	}
	if d.Challenge == nil || d.Challenge.Realm != "vault" || d.Challenge.Scheme != "Basic" {
		t.Errorf("unexpected challenge %+v", d.Challenge)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("no file should be created, found %d", len(entries))
	}
}

func TestCredentialsAreSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "alice" || p != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/secret.txt", t.TempDir(), "")
	order.Credential = &domain.Credential{User: "alice", Password: "s3cret"}
	if d := h.Fetch(tk, order); d.Status != http.StatusOK {
		t.Fatalf("expected 200 with credential, got %v", d)
	}
}

func TestHeadNotAllowedFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 body"))
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	dir := t.TempDir()
	rec := &recorder{}
	tk := task.New(context.Background(), "d1", rec)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/download?id=3", dir, "")
	d := h.Fetch(tk, order)
	if d.Status != http.StatusOK {
		t.Fatalf("expected 200, got %v", d)
	}
	if want := filepath.Join(dir, "report.pdf"); d.Path != want {
		t.Errorf("expected %s, got %s", want, d.Path)
	}
	if d.MIME != "application/pdf" {
		t.Errorf("expected pdf mime, got %q", d.MIME)
	}
	if _, err := os.Stat(filepath.Join(dir, "download")); !os.IsNotExist(err) {
		t.Error("the URL-derived name should not be left behind")
	}
}

func TestGzipBodyIsDecoded(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write(payload)
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/data.txt", t.TempDir(), "")
	d := h.Fetch(tk, order)
	if d.Status != http.StatusOK {
		t.Fatalf("expected 200, got %v", d)
	}
	data, _ := os.ReadFile(d.Path)
	if !bytes.Equal(data, payload) {
		t.Errorf("expected decoded payload, got %d bytes", len(data))
	}
	if d.Bytes != int64(len(payload)) {
		t.Errorf("expected %d decoded bytes, got %d", len(payload), d.Bytes)
	}
}

func TestInsufficientSpace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "big.iso", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.FreeSpace = func(string) (uint64, error) { return 100, nil }
	h := NewHTTP(env)
	dir := t.TempDir()
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/big.iso", dir, "")
	if d := h.Fetch(tk, order); d.Status != domain.StatusInsufficientSpace {
		t.Fatalf("expected insufficient space, got %v", d)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("no file should be created")
	}
}

func TestNotModifiedKeepsLocalCopy(t *testing.T) {
	var ims atomic.Value
	ims.Store("")
	modified := time.Now().Add(-24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ims.Store(r.Header.Get("If-Modified-Since"))
		}
		http.ServeContent(w, r, "file.bin", modified, bytes.NewReader(payload))
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "file.bin"), payload, 0o644)

	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()
	order, _ := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")
	d := h.Fetch(tk, order)
	if d.Status != http.StatusOK {
		t.Fatalf("expected 200, got %v", d)
	}
	if ims.Load().(string) == "" {
		t.Error("expected a conditional request")
	}
	if d.Bytes != int64(len(payload)) {
		t.Errorf("expected existing size, got %d", d.Bytes)
	}
}

func TestCleartextRefused(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.Config.AllowCleartext = false
	h := NewHTTP(env)
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	order, _ := domain.NewOrder("w1", srv.URL+"/a.txt", t.TempDir(), "")
	if d := h.Fetch(tk, order); d.Status != domain.StatusCleartextBlocked {
		t.Fatalf("expected cleartext refusal, got %v", d)
	}
	if hits.Load() != 0 {
		t.Error("no request should reach the server")
	}
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/watch", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	h := NewHTTP(newTestEnv(t))
	u, _ := domain.NewOrder("", srv.URL+"/old", "", "")
	var buf bytes.Buffer
	final, mt, err := h.FetchPage(context.Background(), u.URL, "", &buf)
	if err != nil {
		t.Fatal(err)
	}
	if final.Path != "/watch" || mt != "text/html" || buf.String() != "<html></html>" {
		t.Errorf("unexpected page result %v %q %q", final, mt, buf.String())
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in          string
		start, size int64
		ok          bool
	}{
		{"bytes 512-1023/1024", 512, 1024, true},
		{"bytes 0-99/*", 0, -1, true},
		{"items 0-1/2", 0, 0, false},
		{"bytes x-1/2", 0, 0, false},
	}
	for _, tt := range tests {
		start, size, ok := parseContentRange(tt.in)
		if ok != tt.ok || (ok && (start != tt.start || size != tt.size)) {
			t.Errorf("%q: got %d %d %v", tt.in, start, size, ok)
		}
	}
}

func TestDispositionName(t *testing.T) {
	tests := map[string]string{
		`attachment; filename="a b.txt"`:            "a b.txt",
		`attachment; filename="../../etc/passwd"`:   "passwd",
		`attachment; filename*=UTF-8''caf%C3%A9.txt`: "café.txt",
		`inline`: "",
		``:       "",
	}
	for in, want := range tests {
		if got := dispositionName(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestBrokenPartialReplies(t *testing.T) {
	tests := []struct {
		name         string
		contentRange string
		partial      string
		wantStatus   int
		wantGets     int32
	}{
		{"no range on full request", "", "", http.StatusOK, 1},
		{"no range on resume restarts once", "", "da", http.StatusOK, 2},
		{"offset range on full request", "bytes 2-3/4", "", domain.StatusFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gets atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "4")
				if r.Method == http.MethodHead {
					return
				}
				gets.Add(1)
				if tt.contentRange != "" {
					w.Header().Set("Content-Range", tt.contentRange)
				}
				w.WriteHeader(http.StatusPartialContent)
				w.Write([]byte("data"))
			}))
			defer srv.Close()

			dir := t.TempDir()
			if tt.partial != "" {
				os.WriteFile(filepath.Join(dir, "file.bin"), []byte(tt.partial), 0o644)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h := NewHTTP(newTestEnv(t))
			tk := task.New(ctx, "d1", nil)
			defer tk.Release()

			order, _ := domain.NewOrder("w1", srv.URL+"/file.bin", dir, "")
			d := h.Fetch(tk, order)
			if d.Status != tt.wantStatus {
				t.Fatalf("expected %d, got %v", tt.wantStatus, d)
			}
			if n := gets.Load(); n != tt.wantGets {
				t.Errorf("expected %d GET requests, got %d", tt.wantGets, n)
			}
			if tt.wantStatus == http.StatusOK {
				if data, _ := os.ReadFile(d.Path); string(data) != "data" {
					t.Errorf("unexpected content %q", data)
				}
			}
		})
	}
}
