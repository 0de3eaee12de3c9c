// Package fetch retrieves a resolved package archive from its
// DownloadURL into a local file the install pipeline can validate and
// extract, going through hashicorp/go-retryablehttp the same way
// internal/index fetches the catalog itself, rather than a bare
// net/http.Client with hand-rolled retry/backoff.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/events"
)

// Fetcher downloads package archives into a destination directory.
type Fetcher struct {
	Client *retryablehttp.Client
	Dir    string
	Bus    *events.Bus
}

// New returns a Fetcher that stages downloads under dir.
func New(dir string, bus *events.Bus) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = nil
	return &Fetcher{Client: client, Dir: dir, Bus: bus}
}

// Get downloads url into a fresh file under f.Dir named after name and
// version, streaming the response body directly to disk and reporting
// progress events as it goes. It returns the local path on success.
func (f *Fetcher) Get(ctx context.Context, url, name, version string) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", errcode.Wrap(errcode.FilesystemError, err, "creating fetch staging directory")
	}

	f.emit(events.KindDownloadStarted, name, version, url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errcode.Wrap(errcode.NetworkPermanent, err, "building download request")
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", errcode.Wrap(errcode.NetworkTransient, err, "downloading "+url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errcode.New(errcode.NetworkPermanent,
			"downloading "+url+": unexpected status "+resp.Status)
	}

	dest := filepath.Join(f.Dir, name+"-"+version+".sps2pkg")
	out, err := os.Create(dest)
	if err != nil {
		return "", errcode.Wrap(errcode.FilesystemError, err, "creating download destination")
	}
	defer func() { _ = out.Close() }()

	written, err := io.Copy(out, &progressReader{r: resp.Body, onRead: func(n int64) {
		f.emit(events.KindDownloadProgress, name, version, "")
		_ = n
	}})
	if err != nil {
		_ = os.Remove(dest)
		return "", errcode.Wrap(errcode.NetworkTransient, err, "writing downloaded archive")
	}

	f.emit(events.KindDownloadComplete, name, version, dest)
	_ = written
	return dest, nil
}

func (f *Fetcher) emit(kind events.Kind, name, version, msg string) {
	if f.Bus == nil {
		return
	}
	_ = f.Bus.Emit(events.Event{Kind: kind, Package: name, Version: version, Message: msg})
}

// progressReader wraps an io.Reader, invoking onRead after every
// successful Read so a caller can drive a progress bar without
// buffering the whole body.
type progressReader struct {
	r      io.Reader
	onRead func(n int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.onRead != nil {
		p.onRead(int64(n))
	}
	return n, err
}
