package agenttool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"loom.dev/llm"
	"loom.dev/repopath"
)

const (
	searchMaxResultsDefault = 50
	searchMaxFileSize       = 1 << 20 // files larger than this are skipped
	searchMaxFilesScanned   = 100
	searchWorkers           = 4
	searchContextLines      = 2

	searchCacheSize = 100
	searchCacheTTL  = 5 * time.Minute
)

type searchFilesInput struct {
	Pattern       string `json:"pattern"`
	Path          string `json:"path,omitempty"`
	FilePattern   string `json:"file_pattern,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

type searchFilesTool struct {
	cache *expirable.LRU[string, Result]
}

func NewSearchFilesTool() *Tool {
	t := &searchFilesTool{
		cache: expirable.NewLRU[string, Result](searchCacheSize, nil, searchCacheTTL),
	}
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "search_files",
			Description: "Search file contents with a regular expression.",
			Params: []llm.Param{
				{Name: "pattern", Type: llm.ParamString, Required: true, Description: "Regular expression to search for"},
				{Name: "path", Type: llm.ParamString, Required: false, Description: "Directory to search in, defaults to the repository root"},
				{Name: "file_pattern", Type: llm.ParamString, Required: false, Description: "Glob restricting which files are scanned, e.g. *.go"},
				{Name: "case_sensitive", Type: llm.ParamBoolean, Required: false, Description: "Match case sensitively, defaults to false"},
				{Name: "max_results", Type: llm.ParamInteger, Required: false, Description: "Maximum number of matches returned, defaults to 50"},
			},
		},
		ReadOnly: true,
		Run:      t.run,
	}
}

type searchMatch struct {
	File       string   `json:"file"`
	LineNumber int      `json:"line_number"`
	Column     int      `json:"column"`
	Match      string   `json:"match"`
	Line       string   `json:"line"`
	Context    []string `json:"context,omitempty"`
}

func (t *searchFilesTool) run(ctx context.Context, input json.RawMessage) (Result, error) {
	var req searchFilesInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}
	if req.MaxResults <= 0 {
		req.MaxResults = searchMaxResultsDefault
	}

	pattern := req.Pattern
	if !req.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Failf(InvalidParameters, "invalid pattern: %v", err), nil
	}

	var fileGlob glob.Glob
	if req.FilePattern != "" {
		fileGlob, err = glob.Compile(req.FilePattern)
		if err != nil {
			return Failf(InvalidParameters, "invalid file_pattern: %v", err), nil
		}
	}

	root := RepoFrom(ctx)
	path, err := repopath.Resolve(root, req.Path)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	cacheKey := fmt.Sprintf("%s|%s|%s|%v|%d", path, req.Pattern, req.FilePattern, req.CaseSensitive, req.MaxResults)
	if res, ok := t.cache.Get(cacheKey); ok {
		return res, nil
	}

	start := time.Now()
	candidates := collectCandidates(root, path, fileGlob)

	perFile := make([][]searchMatch, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchWorkers)
	for i, file := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			perFile[i] = scanFile(root, file, re, req.MaxResults)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Failf(Cancelled, "%v", err), nil
	}

	var matches []searchMatch
	truncated := false
	for _, fm := range perFile {
		for _, m := range fm {
			if len(matches) >= req.MaxResults {
				truncated = true
				break
			}
			matches = append(matches, m)
		}
	}

	res := Result{
		OK: true,
		Data: map[string]any{
			"matches":   matches,
			"count":     len(matches),
			"truncated": truncated,
		},
		Meta: map[string]any{
			"files_scanned": len(candidates),
			"scan_ms":       time.Since(start).Milliseconds(),
		},
	}
	t.cache.Add(cacheKey, res)
	return res, nil
}

// collectCandidates walks the tree and returns up to
// searchMaxFilesScanned regular files eligible for scanning.
func collectCandidates(root, path string, fileGlob glob.Glob) []string {
	gi := repoIgnorer(root)

	var files []string
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel := repopath.Rel(root, p)
		if d.IsDir() {
			if p != path && (ignoredDirs[d.Name()] || (gi != nil && gi.MatchesPath(rel+"/"))) {
				return fs.SkipDir
			}
			return nil
		}
		if gi != nil && gi.MatchesPath(rel) {
			return nil
		}
		if fileGlob != nil && !fileGlob.Match(d.Name()) && !fileGlob.Match(rel) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		files = append(files, p)
		if len(files) >= searchMaxFilesScanned {
			return filepath.SkipAll
		}
		return nil
	})
	return files
}

var scanBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256*1024)
		return &buf
	},
}

func scanFile(root, path string, re *regexp.Regexp, limit int) []searchMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	rel := repopath.Rel(root, path)

	var lines []string
	scanner := bufio.NewScanner(f)
	bufp := scanBufPool.Get().(*[]byte)
	defer scanBufPool.Put(bufp)
	scanner.Buffer(*bufp, searchMaxFileSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var matches []searchMatch
	for i, line := range lines {
		if len(matches) >= limit {
			break
		}
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		lo := max(0, i-searchContextLines)
		hi := min(len(lines), i+searchContextLines+1)
		var ctxLines []string
		for j := lo; j < hi; j++ {
			if j != i {
				ctxLines = append(ctxLines, lines[j])
			}
		}
		matches = append(matches, searchMatch{
			File:       rel,
			LineNumber: i + 1,
			Column:     loc[0] + 1,
			Match:      line[loc[0]:loc[1]],
			Line:       line,
			Context:    ctxLines,
		})
	}
	return matches
}
