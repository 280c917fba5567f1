package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/onsi/gomega"
)

type inputRecorder struct {
	mu   sync.Mutex
	data []byte
}

func (r *inputRecorder) EnqueueInput(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
}

func (r *inputRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func TestEscapeFilter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
		detach bool
	}{
		{"plain", []string{"ls\r"}, "ls\r", false},
		{"detach", []string{"ab\x01xcd"}, "ab", true},
		{"detach upper", []string{"\x01X"}, "", true},
		{"literal escape", []string{"a\x01\x01b"}, "a\x01b", false},
		{"other key", []string{"\x01c"}, "\x01c", false},
		{"split across reads", []string{"q\x01", "x"}, "q", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f escapeFilter
			var got []byte
			detach := false
			for _, c := range tt.chunks {
				out, d := f.filter([]byte(c))
				got = append(got, out...)
				if d {
					detach = true
					break
				}
			}
			if string(got) != tt.want || detach != tt.detach {
				t.Fatalf("got %q detach=%v, want %q detach=%v", got, detach, tt.want, tt.detach)
			}
		})
	}
}

func TestPump(t *testing.T) {
	g := gomega.NewWithT(t)

	var rec inputRecorder
	err := Pump(context.Background(), strings.NewReader("echo hi\r"), &rec, nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(rec.String()).To(gomega.Equal("echo hi\r"))

	rec = inputRecorder{}
	detached := false
	err = Pump(context.Background(), strings.NewReader("a\x01xb"), &rec, func() { detached = true })
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(detached).To(gomega.BeTrue())
	g.Expect(rec.String()).To(gomega.Equal("a"))
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestPumpErrors(t *testing.T) {
	g := gomega.NewWithT(t)

	var rec inputRecorder
	err := Pump(context.Background(), errReader{os.ErrClosed}, &rec, nil)
	g.Expect(err).To(gomega.MatchError(os.ErrClosed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Pump(ctx, strings.NewReader("x"), &rec, nil)
	g.Expect(errors.Is(err, context.Canceled)).To(gomega.BeTrue())
	g.Expect(rec.String()).To(gomega.Equal("x"))
}

func TestHostNotTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	h := NewHost(r)
	if h.IsTerminal() {
		t.Fatalf("pipe reported as terminal")
	}
	if err := h.MakeRaw(); err != nil {
		t.Fatalf("MakeRaw on a pipe: %v", err)
	}
	if err := h.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cols, rows := h.Size(); cols != 80 || rows != 24 {
		t.Fatalf("size %dx%d", cols, rows)
	}

	var rec inputRecorder
	done := make(chan error, 1)
	go func() { done <- h.Pump(context.Background(), &rec, nil) }()
	io.WriteString(w, "uname\r")
	w.Close()
	if err := <-done; err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if rec.String() != "uname\r" {
		t.Fatalf("input %q", rec.String())
	}
}

func TestScreenSnapshot(t *testing.T) {
	g := gomega.NewWithT(t)

	s := NewScreen(20, 5)
	defer s.Close()

	io.WriteString(s, "hello\r\nworld")
	g.Expect(s.Snapshot()).To(gomega.Equal("hello\nworld"))
	x, y := s.Cursor()
	g.Expect([]int{x, y}).To(gomega.Equal([]int{5, 1}))

	io.WriteString(s, "\x1b[2J\x1b[H\x1b[1;31mred\x1b[0m")
	g.Expect(s.Snapshot()).To(gomega.Equal("red"))

	cols, rows := s.Size()
	g.Expect(cols).To(gomega.Equal(20))
	g.Expect(rows).To(gomega.Equal(5))
}

func TestScreenIgnoresQueries(t *testing.T) {
	s := NewScreen(20, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.WriteString(s, "\x1b[6n\x1b[5n\x1b[?6n\x1b[c\x1b[>cok")
	}()
	<-done

	if got := s.Snapshot(); got != "ok" {
		t.Fatalf("snapshot %q", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLineLogger(t *testing.T) {
	g := gomega.NewWithT(t)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	l := NewLineLogger(log, slog.LevelInfo)

	io.WriteString(l, "\x1b[32mOpenSBI\x1b[0m v1.5\r\nBoot")
	io.WriteString(l, "ing\n")
	io.WriteString(l, "partial")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	g.Expect(lines).To(gomega.Equal([]string{
		`level=INFO msg=console line="OpenSBI v1.5"`,
		`level=INFO msg=console line=Booting`,
	}))

	l.Flush()
	g.Expect(buf.String()).To(gomega.HaveSuffix("line=partial\n"))

	buf.Reset()
	quiet := NewLineLogger(log, slog.LevelDebug)
	io.WriteString(quiet, "hidden\n")
	g.Expect(buf.Len()).To(gomega.Equal(0))
}
