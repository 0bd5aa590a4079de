// Package runlog keeps a lightweight, append-only journal of the pool
// files each publication run produced, adapted from the teacher's
// timestamp-keyed history mechanism (spec section 2, "new_files"). It is
// not part of the CORE catalog state; it exists purely as an operator
// debugging aid for "what did the last N runs actually write".
package runlog

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/log"
)

const (
	runDir        = ".runs/"
	runFilePrefix = ".run-"
)

// Journal records and replays the set of pool files a run touched.
type Journal interface {
	// Append records newFiles as part of a new run entry and returns the
	// full set of files known across all retained runs.
	Append(newFiles []string) (map[string]bool, error)
	// Latest returns the files recorded by the most recent run before
	// cutoff (zero value for "no cutoff").
	Latest(cutoff time.Time) (map[string]bool, error)
}

// FileCreator is the narrow write surface Journal needs, swappable in
// tests for a recording fake.
type FileCreator interface {
	Create(name string) (io.WriteCloser, error)
}

// OSFileCreator creates real files on disk.
type OSFileCreator struct{}

// Create opens name for writing, truncating/creating as needed.
func (OSFileCreator) Create(name string) (io.WriteCloser, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, errs.NewExternal("create "+name, err)
	}
	return f, nil
}

type fileJournal struct {
	dir         string
	fileCreator FileCreator
	logger      log.PluggableLoggerInterface
}

// New returns a Journal rooted at workingDir/.runs, creating the directory
// if needed.
func New(workingDir string, fileCreator FileCreator, logger log.PluggableLoggerInterface) (Journal, error) {
	if fileCreator == nil {
		fileCreator = OSFileCreator{}
	}
	if logger == nil {
		logger = log.New("error")
	}
	dir := filepath.Join(workingDir, runDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.NewExternal("mkdir "+dir, err)
	}
	return &fileJournal{dir: dir, fileCreator: fileCreator, logger: logger}, nil
}

func (j *fileJournal) Append(newFiles []string) (map[string]bool, error) {
	known, err := j.Latest(time.Time{})
	if err != nil {
		known = map[string]bool{}
	}
	for _, f := range newFiles {
		known[f] = true
	}

	name := filepath.Join(j.dir, runFilePrefix+time.Now().UTC().Format(time.RFC3339Nano))
	out, err := j.fileCreator.Create(name)
	if err != nil {
		return known, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for f := range known {
		if _, err := w.WriteString(f + "\n"); err != nil {
			j.logger.Error("write run journal entry: %s", err.Error())
			return known, errs.NewExternal("write "+name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return known, errs.NewExternal("flush "+name, err)
	}
	return known, nil
}

func (j *fileJournal) Latest(cutoff time.Time) (map[string]bool, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, errs.NewExternal("read "+j.dir, err)
	}

	var latest fs.DirEntry
	var latestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), runFilePrefix) {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(e.Name(), runFilePrefix))
		if err != nil {
			continue
		}
		if !cutoff.IsZero() && !ts.Before(cutoff) {
			continue
		}
		if ts.After(latestTime) {
			latest, latestTime = e, ts
		}
	}
	if latest == nil {
		return map[string]bool{}, nil
	}

	f, err := os.Open(filepath.Join(j.dir, latest.Name()))
	if err != nil {
		return nil, errs.NewExternal("open run journal", err)
	}
	defer f.Close()

	files := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		files[scanner.Text()] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.NewExternal("scan run journal", err)
	}
	return files, nil
}
