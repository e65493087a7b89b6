// Package templates is the popup template cache: it matches canonical mask
// images against the template files on disk and writes new templates.
//
// Matching is first-match: files are visited in lexical order and the first
// one scoring strictly above the threshold wins.
package templates

import (
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultThreshold is the score a template must exceed to match
const DefaultThreshold = 0.8

// templateExt is the extension of template files; anything else in the
// directory (including in-flight temp files) is ignored.
const templateExt = ".png"

// Scorer compares a mask fingerprint with a template fingerprint
type Scorer func(mask, template *image.Gray) float64

// Match is a cache hit
type Match struct {
	TemplateID string
	Score      float64
	Path       string
}

// Matcher scans a template directory. Template fingerprints are cached by
// file name and revalidated against the file's size and modification time.
type Matcher struct {
	dir       string
	threshold float64
	width     int
	score     Scorer
	logger    *logrus.Logger
	decode    func(path string) (image.Image, error)

	mu     sync.Mutex
	prints map[string]cachedPrint
}

type cachedPrint struct {
	size    int64
	modTime time.Time
	fp      *image.Gray
}

// templateFile is a directory entry the matcher may compare against
type templateFile struct {
	name    string
	size    int64
	modTime time.Time
}

// MatcherOption customises a Matcher
type MatcherOption func(*Matcher)

// WithThreshold sets the score a template must exceed. Default: 0.8.
func WithThreshold(t float64) MatcherOption { return func(m *Matcher) { m.threshold = t } }

// WithFingerprintWidth sets the comparison width. Default: 256.
func WithFingerprintWidth(w int) MatcherOption { return func(m *Matcher) { m.width = w } }

// WithScorer replaces NCC as the similarity function
func WithScorer(s Scorer) MatcherOption { return func(m *Matcher) { m.score = s } }

// NewMatcher creates a Matcher over dir
func NewMatcher(dir string, logger *logrus.Logger, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		dir:       dir,
		threshold: DefaultThreshold,
		width:     DefaultFingerprintWidth,
		score:     NCC,
		logger:    logger,
		decode:    decodeFile,
		prints:    make(map[string]cachedPrint),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Fingerprint reduces a mask the same way templates are reduced
func (m *Matcher) Fingerprint(mask image.Image) *image.Gray {
	return Fingerprint(mask, m.width)
}

// Match returns the first template scoring above the threshold. A miss is
// reported as ok == false with a nil error; only a failure to list the
// directory itself is an error.
func (m *Matcher) Match(ctx context.Context, mask image.Image) (Match, bool, error) {
	files, err := m.list()
	if err != nil {
		return Match{}, false, err
	}

	fp := m.Fingerprint(mask)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Match{}, false, err
		}

		path := filepath.Join(m.dir, f.name)
		tpl, err := m.templatePrint(path, f)
		if err != nil {
			m.logger.WithError(err).WithField("template", f.name).Warn("cannot read template, skipping")
			continue
		}

		score := m.score(fp, tpl)
		if score > m.threshold {
			id := strings.TrimSuffix(f.name, templateExt)
			m.logger.WithFields(logrus.Fields{
				"template": id,
				"score":    score,
			}).Info("matched popup template")
			return Match{TemplateID: id, Score: score, Path: path}, true, nil
		}
	}

	m.logger.WithField("templates", len(files)).Debug("no popup template matched")
	return Match{}, false, nil
}

// templatePrint returns the fingerprint of a template file, decoding it only
// when the file is new or has changed since it was last fingerprinted.
func (m *Matcher) templatePrint(path string, f templateFile) (*image.Gray, error) {
	m.mu.Lock()
	c, ok := m.prints[f.name]
	m.mu.Unlock()
	if ok && c.size == f.size && c.modTime.Equal(f.modTime) {
		return c.fp, nil
	}

	img, err := m.decode(path)
	if err != nil {
		return nil, err
	}
	fp := m.Fingerprint(img)

	m.mu.Lock()
	m.prints[f.name] = cachedPrint{size: f.size, modTime: f.modTime, fp: fp}
	m.mu.Unlock()
	return fp, nil
}

// list returns the template files in lexical order and forgets cached
// fingerprints of files that are gone. A directory that does not exist yet
// is an empty cache.
func (m *Matcher) list() ([]templateFile, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	files := make([]templateFile, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != templateExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, templateFile{name: e.Name(), size: info.Size(), modTime: info.ModTime()})
		seen[e.Name()] = true
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	m.mu.Lock()
	for name := range m.prints {
		if !seen[name] {
			delete(m.prints, name)
		}
	}
	m.mu.Unlock()
	return files, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
