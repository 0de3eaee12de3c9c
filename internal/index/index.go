// Package index implements sps2's package index: a cached JSON catalog
// mapping name -> {version -> entry}, fetched from a configured URL
// with conditional If-None-Match/ETag requests so a 304 reuses the
// local cache unchanged. Fetching goes through
// hashicorp/go-retryablehttp the way the teacher corpus reaches for a
// retrying client wherever it talks to a remote endpoint, instead of a
// bare net/http.Client with hand-rolled backoff.
package index

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	mmsemver "github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/semver"
)

// supportedVersion is the highest index "version" field this
// implementation understands.
const supportedVersion = 1

// SBOMRef is a hash reference to an attached SBOM document.
type SBOMRef struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// SBOMRefs is the index entry's optional [sbom] block.
type SBOMRefs struct {
	SPDX      *SBOMRef `json:"spdx,omitempty"`
	CycloneDX *SBOMRef `json:"cyclonedx,omitempty"`
}

// Dependencies is an index entry's declared runtime/build dependency
// spec strings.
type Dependencies struct {
	Runtime []string `json:"runtime,omitempty"`
	Build   []string `json:"build,omitempty"`
}

// Entry is one (name, version) row of the index.
type Entry struct {
	Revision     int           `json:"revision"`
	Arch         string        `json:"arch"`
	Blake3       string        `json:"blake3,omitempty"`
	SHA256       string        `json:"sha256,omitempty"`
	DownloadURL  string        `json:"download_url"`
	MinisigURL   string        `json:"minisig_url,omitempty"`
	Dependencies Dependencies  `json:"dependencies"`
	SBOM         *SBOMRefs     `json:"sbom,omitempty"`
	Description  string        `json:"description,omitempty"`
	Homepage     string        `json:"homepage,omitempty"`
	License      string        `json:"license,omitempty"`
}

// ArchiveHash returns the entry's strong hash reference, preferring
// blake3 when both are present.
func (e Entry) ArchiveHash() string {
	if e.Blake3 != "" {
		return e.Blake3
	}
	return e.SHA256
}

type packageEntry struct {
	Versions map[string]Entry `json:"versions"`
}

// document is the raw JSON shape of the index.
type document struct {
	Version      int                     `json:"version"`
	MinimumClient string                 `json:"minimum_client"`
	Timestamp    string                  `json:"timestamp"`
	Packages     map[string]packageEntry `json:"packages"`
}

// Index is a loaded, queryable package catalog plus the HTTP caching
// metadata (ETag, fetch time) needed for conditional refresh.
type Index struct {
	doc       document
	etag      string
	fetchedAt time.Time
}

// Load parses a raw index JSON document, validating the format version
// and every entry's required fields.
func Load(raw []byte) (*Index, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errcode.Wrap(errcode.FormatInvalid, err, "index is not valid JSON")
	}
	if doc.Version > supportedVersion {
		return nil, errcode.New(errcode.FormatInvalid,
			fmt.Sprintf("index format version %d exceeds supported version %d", doc.Version, supportedVersion)).
			WithHint("UnsupportedIndexVersion")
	}
	for name, pkg := range doc.Packages {
		for version, entry := range pkg.Versions {
			if name == "" || version == "" || entry.Arch == "" || entry.ArchiveHash() == "" || entry.DownloadURL == "" {
				return nil, errcode.New(errcode.FormatInvalid,
					fmt.Sprintf("invalid index entry for %s@%s", name, version)).
					WithHint("InvalidIndexEntry")
			}
		}
	}
	return &Index{doc: doc, fetchedAt: time.Now()}, nil
}

// Search returns every package name with the given prefix, sorted
// ascending.
func (idx *Index) Search(prefix string) []string {
	var names []string
	for name := range idx.doc.Packages {
		if len(prefix) == 0 || (len(name) >= len(prefix) && name[:len(prefix)] == prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetPackageVersions returns name's known versions, sorted newest
// first.
func (idx *Index) GetPackageVersions(name string) ([]*mmsemver.Version, error) {
	pkg, ok := idx.doc.Packages[name]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "package not found in index: "+name)
	}
	versions := make([]*mmsemver.Version, 0, len(pkg.Versions))
	for v := range pkg.Versions {
		parsed, err := semver.Parse(v)
		if err != nil {
			continue // malformed version strings in a third-party index are skipped, not fatal
		}
		versions = append(versions, parsed)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].GreaterThan(versions[j]) })
	return versions, nil
}

// FindBestVersion returns the highest version of spec.Name satisfying
// spec's constraints, or NotFound if none match.
func (idx *Index) FindBestVersion(spec semver.Spec) (*mmsemver.Version, error) {
	versions, err := idx.GetPackageVersions(spec.Name)
	if err != nil {
		return nil, err
	}
	best := semver.FindBest(spec, versions)
	if best == nil {
		return nil, errcode.New(errcode.NotFound,
			fmt.Sprintf("no version of %s satisfies %s", spec.Name, spec))
	}
	return best, nil
}

// GetVersion returns the index entry for an exact (name, version) pair.
func (idx *Index) GetVersion(name, version string) (Entry, error) {
	pkg, ok := idx.doc.Packages[name]
	if !ok {
		return Entry{}, errcode.New(errcode.NotFound, "package not found in index: "+name)
	}
	entry, ok := pkg.Versions[version]
	if !ok {
		return Entry{}, errcode.New(errcode.NotFound, fmt.Sprintf("version %s not found for %s", version, name))
	}
	return entry, nil
}

// IsStale reports whether the index was fetched longer than maxAge
// ago.
func (idx *Index) IsStale(maxAge time.Duration) bool {
	return time.Since(idx.fetchedAt) > maxAge
}

// ETag returns the index's cached ETag, for use in a subsequent
// conditional fetch.
func (idx *Index) ETag() string { return idx.etag }

// Raw re-encodes the loaded document back to JSON, for a caller that
// wants to persist a fetched index to disk without keeping the
// original response body around.
func (idx *Index) Raw() ([]byte, error) {
	return json.Marshal(idx.doc)
}

// LoadCached is Load plus a remembered ETag, for reconstructing an
// Index from a previous process's on-disk cache so the next fetch can
// still send If-None-Match.
func LoadCached(raw []byte, etag string) (*Index, error) {
	idx, err := Load(raw)
	if err != nil {
		return nil, err
	}
	idx.etag = etag
	return idx, nil
}

// Fetcher retrieves and caches the index from a configured URL,
// sending If-None-Match on every refresh after the first successful
// fetch so an unchanged upstream index costs one small 304 round trip.
type Fetcher struct {
	URL    string
	Client *retryablehttp.Client
}

// NewFetcher builds a Fetcher with a retrying HTTP client: exponential
// backoff, a bounded retry count, matching the client the teacher
// corpus's fetch-heavy components construct rather than a bare
// http.Client.
func NewFetcher(url string) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &Fetcher{URL: url, Client: client}
}

// Fetch retrieves the index, sending If-None-Match when prev is
// non-nil and has a cached ETag. On a 304 Not Modified response prev is
// returned unchanged; otherwise a freshly loaded Index is returned.
func (f *Fetcher) Fetch(prev *Index) (*Index, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.NetworkPermanent, err, "building index fetch request")
	}
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errcode.Wrap(errcode.NetworkTransient, err, "fetching package index")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		prev.fetchedAt = time.Now()
		return prev, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errcode.New(errcode.NetworkPermanent,
			fmt.Sprintf("fetching package index: unexpected status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errcode.Wrap(errcode.NetworkTransient, err, "reading index response body")
	}

	idx, err := Load(raw)
	if err != nil {
		return nil, err
	}
	idx.etag = resp.Header.Get("ETag")
	return idx, nil
}
