package versions

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ernie/spring-autohost/internal/engine"
)

// InstallOptions configures the CDN installer.
type InstallOptions struct {
	CDNBaseURL       string
	Platform         string        // CDN category; defaults to this platform
	Timeout          time.Duration // overall per-install deadline
	MaxAttempts      int           // download-and-verify attempts
	RetryBackoffBase time.Duration // doubled per failed attempt
	HTTPClient       *http.Client
}

// The CDN index response: an array of release descriptors. Unknown fields
// are tolerated.
const indexSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["filename", "md5", "mirrors"],
		"properties": {
			"filename": {"type": "string", "minLength": 1},
			"md5": {"type": "string", "pattern": "^[0-9a-fA-F]{32}$"},
			"mirrors": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}
}`

var compiledIndexSchema = jsonschema.MustCompileString("cdn-index.schema.json", indexSchema)

type release struct {
	Filename string   `json:"filename"`
	MD5      string   `json:"md5"`
	Mirrors  []string `json:"mirrors"`
}

type installer struct {
	enginesDir string
	opts       InstallOptions

	mu       sync.Mutex
	inflight map[string]bool
}

func newInstaller(enginesDir string, opts InstallOptions) *installer {
	if opts.Platform == "" {
		opts.Platform = engine.Platform()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoffBase == 0 {
		opts.RetryBackoffBase = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &installer{
		enginesDir: enginesDir,
		opts:       opts,
		inflight:   make(map[string]bool),
	}
}

func (in *installer) install(version string) error {
	targetDir := filepath.Join(in.enginesDir, version)
	if _, err := os.Stat(filepath.Join(targetDir, engine.BinaryName())); err == nil {
		log.Printf("versions: %s already installed", version)
		return nil
	}

	in.mu.Lock()
	if in.inflight[version] {
		in.mu.Unlock()
		log.Printf("versions: install of %s already in progress", version)
		return nil
	}
	in.inflight[version] = true
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		delete(in.inflight, version)
		in.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), in.opts.Timeout)
	defer cancel()

	rel, err := in.lookup(ctx, version)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", version, err)
	}

	downloadsDir := filepath.Join(in.enginesDir, ".downloads")
	if err := os.MkdirAll(downloadsDir, 0o755); err != nil {
		return fmt.Errorf("creating downloads dir: %w", err)
	}
	archivePath := filepath.Join(downloadsDir, rel.Filename)
	defer os.Remove(archivePath)

	if err := in.downloadWithRetries(ctx, rel, archivePath); err != nil {
		return fmt.Errorf("downloading %s: %w", version, err)
	}

	tmpDir := filepath.Join(in.enginesDir,
		fmt.Sprintf(".tmp-install-%s-%s", version, uuid.NewString()))
	defer os.RemoveAll(tmpDir)

	if err := extract(ctx, archivePath, tmpDir); err != nil {
		return fmt.Errorf("extracting %s: %w", rel.Filename, err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, engine.BinaryName())); err != nil {
		return fmt.Errorf("archive for %s has no %s", version, engine.BinaryName())
	}

	// Atomic publish: any previous content is dropped, then the finished
	// tree takes its name in one rename. The watcher picks this up and
	// emits the versions event.
	if err := os.RemoveAll(targetDir); err != nil {
		return fmt.Errorf("removing previous %s: %w", version, err)
	}
	if err := os.Rename(tmpDir, targetDir); err != nil {
		return fmt.Errorf("publishing %s: %w", version, err)
	}
	log.Printf("versions: installed %s", version)
	return nil
}

// lookup queries the CDN index and returns the first release for a version.
func (in *installer) lookup(ctx context.Context, version string) (*release, error) {
	q := url.Values{}
	q.Set("category", in.opts.Platform)
	q.Set("springname", version)
	reqURL := fmt.Sprintf("%s/find?%s", strings.TrimSuffix(in.opts.CDNBaseURL, "/"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := in.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	if err := compiledIndexSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid index payload: %w", err)
	}

	var releases []release
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("no release found for %q", version)
	}
	return &releases[0], nil
}

// downloadWithRetries runs the download-and-verify loop with exponential
// backoff. Only the first mirror is used.
func (in *installer) downloadWithRetries(ctx context.Context, rel *release, dest string) error {
	var err error
	for attempt := 1; attempt <= in.opts.MaxAttempts; attempt++ {
		err = in.download(ctx, rel.Mirrors[0], dest, rel.MD5)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == in.opts.MaxAttempts {
			break
		}
		backoff := in.opts.RetryBackoffBase << (attempt - 1)
		log.Printf("versions: download attempt %d failed (%v), retrying in %s", attempt, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("after %d attempts: %w", in.opts.MaxAttempts, err)
}

// download fetches one mirror URL and verifies its MD5 checksum.
func (in *installer) download(ctx context.Context, mirror, dest, wantMD5 string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, nil)
	if err != nil {
		return err
	}
	resp, err := in.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror returned %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	hash := md5.New()
	_, err = io.Copy(io.MultiWriter(f, hash), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	got := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(got, wantMD5) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, wantMD5)
	}
	return nil
}

// extract unpacks an archive into dir. Zip archives are handled in-process;
// everything else goes through 7z.
func extract(ctx context.Context, archivePath, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if strings.HasSuffix(strings.ToLower(archivePath), ".zip") {
		return extractZip(archivePath, dir)
	}

	cmd := exec.CommandContext(ctx, "7z", "x", "-y", "-o"+dir, archivePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("7z: %w: %s", err, firstLine(out))
	}
	return nil
}

func extractZip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		// Reject entries escaping the extraction dir.
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		w, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
