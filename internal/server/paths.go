package server

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Options restricts what API clients may read and write.
type Options struct {
	// SourceRoot is the directory local sources are resolved against. When
	// empty only http(s) sources are accepted.
	SourceRoot string
	// OutputRoot is the directory local and badger outputs are created
	// under. When empty only object store and in-memory outputs are
	// accepted.
	OutputRoot string
	// CORSOrigins lists the origins allowed to call the API from a browser.
	// No CORS headers are sent when empty.
	CORSOrigins []string
}

var (
	errLocalSourcesDisabled = errors.New("local sources are disabled on this server")
	errLocalOutputsDisabled = errors.New("local outputs are disabled on this server")
)

// resolveSource maps a requested source onto something the job may read.
// Local paths must stay inside the source root.
func (o Options) resolveSource(src string) (string, error) {
	if src == "" || src == "-" {
		return "", errors.New("source is required")
	}
	if scheme, ok := urlScheme(src); ok {
		if scheme == "http" || scheme == "https" {
			return src, nil
		}
		return "", fmt.Errorf("unsupported source scheme %q", scheme)
	}
	if o.SourceRoot == "" {
		return "", errLocalSourcesDisabled
	}
	p, err := underRoot(o.SourceRoot, src)
	if err != nil {
		return "", fmt.Errorf("source %w", err)
	}
	return p, nil
}

// resolveOutput maps a requested output onto a sink destination. Local
// directories and badger stores are placed inside the output root, and the
// root itself can never be the target of a clean run.
func (o Options) resolveOutput(out string) (string, error) {
	if out == "" {
		return "", errors.New("output is required")
	}
	scheme, ok := urlScheme(out)
	if !ok {
		if o.OutputRoot == "" {
			return "", errLocalOutputsDisabled
		}
		p, err := underRoot(o.OutputRoot, out)
		if err != nil {
			return "", fmt.Errorf("output %w", err)
		}
		return p, nil
	}

	switch scheme {
	case "file":
		return "", errors.New("file URLs are not accepted, give a path relative to the output root")
	case "badger":
		u, err := url.Parse(out)
		if err != nil {
			return "", fmt.Errorf("parsing output: %w", err)
		}
		dir := u.Host + u.Path
		if dir == "" {
			// in-memory store
			return out, nil
		}
		if o.OutputRoot == "" {
			return "", errLocalOutputsDisabled
		}
		p, err := underRoot(o.OutputRoot, dir)
		if err != nil {
			return "", fmt.Errorf("output %w", err)
		}
		return "badger://" + filepath.ToSlash(p), nil
	}
	// mem, gs and s3 are left to the sink; anything else is rejected there.
	return out, nil
}

// underRoot joins a client supplied relative path onto root. Absolute paths,
// paths escaping root and root itself are rejected.
func underRoot(root, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q must be a relative path inside the server root", rel)
	}
	if filepath.Clean(rel) == "." {
		return "", fmt.Errorf("%q must name an entry below the server root", rel)
	}
	return filepath.Join(root, rel), nil
}

// urlScheme reports the scheme of s if it is a URL. Single letter schemes
// are windows drive letters.
func urlScheme(s string) (string, bool) {
	i := strings.Index(s, "://")
	if i <= 1 {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || len(u.Scheme) <= 1 {
		return "", false
	}
	return strings.ToLower(u.Scheme), true
}
