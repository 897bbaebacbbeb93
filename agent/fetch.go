package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/postbatch"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const maxPostSize = 1 << 20

// FetchPost downloads the post with the given id from postsURL and writes
// it, as received, into dir under its per-item file name. It returns the
// path of the written file.
func FetchPost(ctx context.Context, client *http.Client, postsURL string, id int, dir string, logger grip.Journaler) (string, error) {
	if id <= 0 {
		return "", errors.Errorf("post id %d must be positive", id)
	}

	url := fmt.Sprintf("%s/%d", strings.TrimSuffix(postsURL, "/"), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetching post %d", id)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetching post %d: server returned %d", id, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPostSize+1))
	if err != nil {
		return "", errors.Wrapf(err, "reading post %d", id)
	}
	if len(data) > maxPostSize {
		return "", errors.Errorf("post %d exceeds %s", id, humanize.IBytes(maxPostSize))
	}

	post, err := DecodePost(data)
	if err != nil {
		return "", errors.Wrapf(err, "post %d", id)
	}
	if post.ID != id {
		return "", errors.Errorf("requested post %d but received post %d", id, post.ID)
	}

	fn := filepath.Join(dir, postbatch.ItemFileName(id))
	if err := os.WriteFile(fn, data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing post %d", id)
	}

	logger.Info(message.Fields{
		"message": "post saved",
		"post":    id,
		"file":    fn,
		"size":    humanize.Bytes(uint64(len(data))),
	})
	return fn, nil
}
