// Package download streams HTTP resources to disk and downloads the model
// files of an installation.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/report"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	DefaultChunkSize        = 80 * 1024
	DefaultProgressInterval = 2 * time.Second
)

type Manager struct {
	client    *http.Client
	chunkSize int
	interval  time.Duration
	now       func() time.Time
	userAgent string
}

type Option func(*Manager)

func WithClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithProgressInterval sets the minimal time between two progress lines.
func WithProgressInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.interval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithUserAgent(ua string) Option {
	return func(m *Manager) {
		m.userAgent = ua
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		client:    &http.Client{},
		chunkSize: DefaultChunkSize,
		interval:  DefaultProgressInterval,
		now:       time.Now,
		userAgent: "stager",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Outcome describes one finished file transfer.
type Outcome struct {
	URL     string
	Path    string
	Bytes   int64
	Skipped bool // the file existed and no request was made
}

// Fetch downloads rawURL into destDir. The file name comes from the URL
// path, a filename query parameter or is generated. An existing file of the
// same name is kept and no request is made. The body is written to a
// .part file renamed on success, so an interrupted transfer never leaves a
// file that would be skipped next time.
//
// Errors are *model.Error of NetworkError or FilesystemError kind, or a
// cancellation.
func (m *Manager) Fetch(ctx context.Context, rawURL, destDir string, rep *report.Reporter) (Outcome, error) {
	out := Outcome{URL: rawURL}
	if err := ctx.Err(); err != nil {
		return out, model.Cancelled("download", err)
	}
	name, err := FileName(rawURL)
	if err != nil {
		return out, &model.Error{Kind: model.NetworkError, Op: rawURL, Err: err}
	}
	out.Path = filepath.Join(destDir, name)

	switch info, err := os.Stat(out.Path); {
	case err == nil && !info.IsDir():
		rep.Info(ctx, "%s already exists, skipping download", out.Path)
		out.Skipped = true
		out.Bytes = info.Size()
		return out, nil
	case err == nil:
		return out, &model.Error{Kind: model.FilesystemError, Op: out.Path, Err: errors.New("destination is a directory")}
	case !errors.Is(err, fs.ErrNotExist):
		return out, &model.Error{Kind: model.FilesystemError, Op: out.Path, Err: err}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return out, &model.Error{Kind: model.FilesystemError, Op: destDir, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return out, &model.Error{Kind: model.NetworkError, Op: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", m.userAgent)

	rep.Info(ctx, "Downloading %s", rawURL)
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return out, model.Cancelled("download "+rawURL, ctx.Err())
		}
		return out, &model.Error{Kind: model.NetworkError, Op: rawURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &model.Error{Kind: model.NetworkError, Op: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	part := out.Path + ".part"
	n, err := m.copy(ctx, part, resp, name, rep)
	if err != nil {
		if rmErr := os.Remove(part); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.WarnContext(ctx, "removing partial download", "path", part, "error", rmErr)
		}
		return out, err
	}
	if err := os.Rename(part, out.Path); err != nil {
		return out, &model.Error{Kind: model.FilesystemError, Op: out.Path, Err: err}
	}
	out.Bytes = n
	rep.Success(ctx, "Downloaded %s (%s)", name, humanize.Bytes(uint64(n)))
	return out, nil
}

// FetchFile is Fetch returning only the path of the file.
func (m *Manager) FetchFile(ctx context.Context, rawURL, destDir string, rep *report.Reporter) (string, error) {
	out, err := m.Fetch(ctx, rawURL, destDir, rep)
	return out.Path, err
}

func (m *Manager) copy(ctx context.Context, dest string, resp *http.Response, name string, rep *report.Reporter) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, &model.Error{Kind: model.FilesystemError, Op: dest, Err: err}
	}

	total := resp.ContentLength
	buf := make([]byte, m.chunkSize)
	var written int64
	last := m.now()
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return written, model.Cancelled("download "+name, err)
		}
		nr, rerr := resp.Body.Read(buf)
		if nr > 0 {
			nw, werr := f.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				_ = f.Close()
				return written, &model.Error{Kind: model.FilesystemError, Op: dest, Err: werr}
			}
		}
		if now := m.now(); now.Sub(last) >= m.interval {
			last = now
			rep.Info(ctx, "%s", progressLine(name, written, total))
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = f.Close()
			if ctx.Err() != nil {
				return written, model.Cancelled("download "+name, ctx.Err())
			}
			return written, &model.Error{Kind: model.NetworkError, Op: name, Err: rerr}
		}
	}
	if err := f.Close(); err != nil {
		return written, &model.Error{Kind: model.FilesystemError, Op: dest, Err: err}
	}
	if total > 0 && written != total {
		return written, &model.Error{Kind: model.NetworkError, Op: name, Err: fmt.Errorf("incomplete body: %d of %d bytes", written, total)}
	}
	return written, nil
}

func progressLine(name string, written, total int64) string {
	if total > 0 {
		return fmt.Sprintf("Downloading %s: %s / %s (%.1f%%)",
			name,
			humanize.Bytes(uint64(written)),
			humanize.Bytes(uint64(total)),
			float64(written)/float64(total)*100,
		)
	}
	return fmt.Sprintf("Downloading %s: %s", name, humanize.Bytes(uint64(written)))
}

// FileName infers the name of a downloaded file: the last URL path
// segment when it looks like a file, else the filename query parameter,
// else download-<id>.bin with an id derived from the URL, so a repeated
// download finds the file of the previous one.
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if base := path.Base(u.Path); strings.Contains(base, ".") && sane(base) {
		return base, nil
	}
	if q := u.Query().Get("filename"); q != "" {
		if base := filepath.Base(filepath.FromSlash(q)); sane(base) {
			return base, nil
		}
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(u.String()))
	return "download-" + id.String()[:8] + ".bin", nil
}

func sane(name string) bool {
	return name != "" && name != "." && name != ".." && name != "/" &&
		!strings.ContainsAny(name, `/\:*?"<>|`)
}
