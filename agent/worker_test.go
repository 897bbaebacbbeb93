package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func newCapturingLogger(t *testing.T) (*send.InternalSender, *logging.Grip) {
	sender, err := send.NewInternalLogger("worker-test", send.LevelInfo{Threshold: level.Info, Default: level.Info})
	if err != nil {
		t.Fatal(err)
	}
	return sender, logging.MakeGrip(sender)
}

func drain(sender *send.InternalSender) []message.Composer {
	out := []message.Composer{}
	for {
		m := sender.GetMessage()
		if m == nil {
			return out
		}
		out = append(out, m.Message)
	}
}

func writePost(dir string, p Post) {
	data := fmt.Sprintf(`{"userId": %d, "id": %d, "title": %q, "body": %q}`, p.UserID, p.ID, p.Title, p.Body)
	So(os.WriteFile(filepath.Join(dir, postbatch.ItemFileName(p.ID)), []byte(data), 0644), ShouldBeNil)
}

func TestDecodePost(t *testing.T) {
	Convey("Decoding a post", t, func() {
		Convey("a complete document decodes", func() {
			p, err := DecodePost([]byte(`{"userId": 1, "id": 7, "title": "t", "body": "b"}`))
			So(err, ShouldBeNil)
			So(p, ShouldResemble, Post{UserID: 1, ID: 7, Title: "t", Body: "b"})
		})
		Convey("malformed JSON is invalid", func() {
			_, err := DecodePost([]byte(`{"id": `))
			So(errors.Cause(err), ShouldEqual, ErrInvalidPost)
		})
		Convey("a missing id is invalid", func() {
			_, err := DecodePost([]byte(`{"title": "t"}`))
			So(errors.Cause(err), ShouldEqual, ErrInvalidPost)
		})
		Convey("a negative id is invalid", func() {
			_, err := DecodePost([]byte(`{"id": -3}`))
			So(errors.Cause(err), ShouldEqual, ErrInvalidPost)
		})
	})
}

func TestMergePosts(t *testing.T) {
	Convey("With a working directory of post files", t, func() {
		dir := t.TempDir()
		sender, logger := newCapturingLogger(t)

		Convey("valid files are merged and a corrupt one is skipped", func() {
			writePost(dir, Post{UserID: 1, ID: 1, Title: "one", Body: "first"})
			writePost(dir, Post{UserID: 1, ID: 2, Title: "two", Body: "second"})
			writePost(dir, Post{UserID: 2, ID: 3, Title: "three", Body: "third"})
			So(os.WriteFile(filepath.Join(dir, "Post_4.json"), []byte("not json"), 0644), ShouldBeNil)

			res, err := MergePosts(dir, logger)
			So(err, ShouldBeNil)
			So(res.Merged, ShouldEqual, 3)
			So(res.Skipped, ShouldResemble, []string{"Post_4.json"})
			So(res.Path, ShouldEqual, filepath.Join(dir, postbatch.MergedFileName))

			var merged []Post
			So(utility.ReadJSONFile(res.Path, &merged), ShouldBeNil)
			So(len(merged), ShouldEqual, 3)
			So(merged[0].Title, ShouldEqual, "one")
			So(merged[2].ID, ShouldEqual, 3)

			var skips, found int
			for _, m := range drain(sender) {
				text := m.String()
				if strings.Contains(text, "skipped merging post file") {
					skips++
					So(text, ShouldContainSubstring, "Post_4.json")
					So(m.Priority(), ShouldEqual, level.Warning)
				}
				if strings.Contains(text, "found post file") {
					found++
				}
			}
			So(skips, ShouldEqual, 1)
			So(found, ShouldEqual, 4)
		})

		Convey("unrelated files are ignored", func() {
			writePost(dir, Post{ID: 5, Title: "five"})
			So(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644), ShouldBeNil)

			res, err := MergePosts(dir, logger)
			So(err, ShouldBeNil)
			So(res.Merged, ShouldEqual, 1)
			So(res.Skipped, ShouldBeEmpty)
		})

		Convey("an empty directory produces an empty array", func() {
			res, err := MergePosts(dir, logger)
			So(err, ShouldBeNil)
			So(res.Merged, ShouldEqual, 0)

			data, err := os.ReadFile(res.Path)
			So(err, ShouldBeNil)
			So(strings.TrimSpace(string(data)), ShouldEqual, "[]")
		})

		Convey("a missing directory is an error", func() {
			_, err := MergePosts(filepath.Join(dir, "missing"), logger)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestFetchPost(t *testing.T) {
	Convey("With a posts service", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dir := t.TempDir()
		_, logger := newCapturingLogger(t)
		requested := []string{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested = append(requested, r.URL.Path)
			switch r.URL.Path {
			case "/posts/1":
				fmt.Fprint(w, `{"userId": 1, "id": 1, "title": "hello", "body": "world"}`)
			case "/posts/2":
				fmt.Fprint(w, `{"userId": 1, "id": 9, "title": "wrong"}`)
			case "/posts/3":
				fmt.Fprint(w, `<html>`)
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()
		postsURL := srv.URL + "/posts/"

		Convey("the raw body is written to the item file", func() {
			fn, err := FetchPost(ctx, srv.Client(), postsURL, 1, dir, logger)
			So(err, ShouldBeNil)
			So(fn, ShouldEqual, filepath.Join(dir, "Post_1.json"))
			So(requested, ShouldResemble, []string{"/posts/1"})

			data, err := os.ReadFile(fn)
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, `{"userId": 1, "id": 1, "title": "hello", "body": "world"}`)
		})

		Convey("fetched files can be merged", func() {
			_, err := FetchPost(ctx, srv.Client(), postsURL, 1, dir, logger)
			So(err, ShouldBeNil)
			res, err := MergePosts(dir, logger)
			So(err, ShouldBeNil)
			So(res.Merged, ShouldEqual, 1)
		})

		Convey("a mismatched id is rejected", func() {
			_, err := FetchPost(ctx, srv.Client(), postsURL, 2, dir, logger)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "received post 9")
			_, statErr := os.Stat(filepath.Join(dir, "Post_2.json"))
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})

		Convey("an undecodable body is rejected", func() {
			_, err := FetchPost(ctx, srv.Client(), postsURL, 3, dir, logger)
			So(errors.Cause(err), ShouldEqual, ErrInvalidPost)
		})

		Convey("an error status is rejected", func() {
			_, err := FetchPost(ctx, srv.Client(), postsURL, 404, dir, logger)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "404")
		})

		Convey("a non-positive id is rejected without a request", func() {
			_, err := FetchPost(ctx, srv.Client(), postsURL, 0, dir, logger)
			So(err, ShouldNotBeNil)
			So(requested, ShouldBeEmpty)
		})
	})
}
