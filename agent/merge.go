package agent

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// MergeResult summarizes an aggregation.
type MergeResult struct {
	Path    string
	Merged  int
	Skipped []string
}

// MergePosts decodes every per-item file in dir, in name order, and writes
// the decoded posts as one JSON array to the merged file in dir. Files
// that cannot be read or decoded are logged and skipped.
func MergePosts(dir string, logger grip.Journaler) (*MergeResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "checking working directory '%s'", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("'%s' is not a directory", dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, postbatch.ItemFileGlob))
	if err != nil {
		return nil, errors.Wrap(err, "finding post files")
	}
	sort.Strings(files)

	res := &MergeResult{Path: filepath.Join(dir, postbatch.MergedFileName)}
	posts := make([]Post, 0, len(files))
	for _, fn := range files {
		name := filepath.Base(fn)
		logger.Info(message.Fields{
			"message": "found post file",
			"file":    name,
		})

		data, err := os.ReadFile(fn)
		if err == nil {
			var post Post
			if post, err = DecodePost(data); err == nil {
				posts = append(posts, post)
				continue
			}
		}

		logger.Warning(message.WrapError(err, message.Fields{
			"message": "skipped merging post file",
			"file":    name,
		}))
		res.Skipped = append(res.Skipped, name)
	}

	if err := utility.WriteJSONFile(res.Path, posts); err != nil {
		return nil, errors.Wrapf(err, "writing '%s'", postbatch.MergedFileName)
	}
	res.Merged = len(posts)

	logger.Info(message.Fields{
		"message": "merged posts",
		"file":    postbatch.MergedFileName,
		"merged":  res.Merged,
		"skipped": len(res.Skipped),
	})
	return res, nil
}
