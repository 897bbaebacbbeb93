package operations

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/evergreen-ci/postbatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func runApp(t *testing.T, args ...string) (string, error) {
	out := &bytes.Buffer{}
	app := cli.NewApp()
	app.Name = "postbatch"
	app.Writer = out
	app.ErrWriter = out
	app.Commands = []cli.Command{
		Submit(),
		CheckConfig(),
		Worker(),
	}
	err := app.Run(append([]string{"postbatch"}, args...))
	return out.String(), err
}

const validSettings = `
items: [1, 2, 3]
delete_job: true
delete_pool: true
registry:
  server: registry.example.com
  image: postbatch:latest
batch:
  service_url: https://account.region.batch.azure.com
  account_name: account
  account_key: a2V5
  pool_id: pool-1
  job_id: job-1
  vm_size: standard_d2s_v3
  dedicated_nodes: 1
storage:
  account_name: storage
  account_key: a2V5
  container_name: output
`

func writeSettings(t *testing.T, content string) string {
	fn := filepath.Join(t.TempDir(), postbatch.DefaultSettingsFileName)
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/posts/7" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"userId": 1, "id": 7, "title": "seven", "body": "body"}`)
	}))
	defer srv.Close()

	for testName, testCase := range map[string]func(t *testing.T, dir string){
		"ProcessItemWritesPostFile": func(t *testing.T, dir string) {
			out, err := runApp(t, "worker", "process-item", "--posts-url", srv.URL+"/posts", "7", dir)
			require.NoError(t, err)
			assert.Contains(t, out, "Post_7.json")
			assert.FileExists(t, filepath.Join(dir, "Post_7.json"))
		},
		"ProcessItemThenAggregate": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "process-item", "--posts-url", srv.URL+"/posts", "7", dir)
			require.NoError(t, err)
			out, err := runApp(t, "worker", "aggregate", dir)
			require.NoError(t, err)
			assert.Contains(t, out, "merged 1 posts")
			assert.FileExists(t, filepath.Join(dir, postbatch.MergedFileName))
		},
		"ProcessItemServerError": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "process-item", "--posts-url", srv.URL+"/posts", "8", dir)
			assert.Error(t, err)
			assert.NoFileExists(t, filepath.Join(dir, "Post_8.json"))
		},
		"ProcessItemNonNumericID": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "process-item", "seven", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "parsing item id")
		},
		"ProcessItemNonPositiveID": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "process-item", "0", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must be positive")
		},
		"ProcessItemWrongArity": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "process-item", "7")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "expected 2 arguments")
		},
		"AggregateWrongArity": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "aggregate", dir, dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "expected 1 arguments")
		},
		"AggregateEmptyDirectory": func(t *testing.T, dir string) {
			out, err := runApp(t, "worker", "aggregate", dir)
			require.NoError(t, err)
			assert.Contains(t, out, "merged 0 posts")
		},
		"UnknownMode": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker", "explode", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unrecognized worker mode 'explode'")
		},
		"MissingMode": func(t *testing.T, dir string) {
			_, err := runApp(t, "worker")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "worker mode must be one of")
		},
	} {
		t.Run(testName, func(t *testing.T) {
			testCase(t, t.TempDir())
		})
	}
}

func TestCheckConfig(t *testing.T) {
	for testName, testCase := range map[string]func(t *testing.T){
		"ValidSettings": func(t *testing.T) {
			out, err := runApp(t, "check-config", "--conf", writeSettings(t, validSettings))
			require.NoError(t, err)
			assert.Contains(t, out, "3 items")
			assert.Contains(t, out, "pool 'pool-1'")
		},
		"ItemsFromCommandLine": func(t *testing.T) {
			out, err := runApp(t, "check-config", "--conf", writeSettings(t, validSettings), "--item", "4", "--item", "5")
			require.NoError(t, err)
			assert.Contains(t, out, "2 items")
		},
		"DuplicateCommandLineItems": func(t *testing.T) {
			_, err := runApp(t, "check-config", "--conf", writeSettings(t, validSettings), "--item", "4", "--item", "4")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "more than once")
		},
		"NonPositiveCommandLineItem": func(t *testing.T) {
			_, err := runApp(t, "check-config", "--conf", writeSettings(t, validSettings), "--item", "4", "--item", "0")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "item id 0 must be positive")
		},
		"MissingFileAndBadItemBothReported": func(t *testing.T) {
			_, err := runApp(t, "check-config", "--conf", filepath.Join(t.TempDir(), "missing.yml"), "--item", "0")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "missing.yml")
			assert.Contains(t, err.Error(), "must be positive")
		},
		"InvalidSettings": func(t *testing.T) {
			_, err := runApp(t, "check-config", "--conf", writeSettings(t, "items: []\n"))
			assert.Error(t, err)
		},
		"MissingFile": func(t *testing.T) {
			_, err := runApp(t, "check-config", "--conf", filepath.Join(t.TempDir(), "missing.yml"))
			assert.Error(t, err)
		},
	} {
		t.Run(testName, testCase)
	}
}

func TestSubmitRejectsBadSettings(t *testing.T) {
	_, err := runApp(t, "submit", "--conf", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = runApp(t, "submit", "--conf", writeSettings(t, "items: [1]\nunknown_field: true\n"))
	assert.Error(t, err)

	_, err = runApp(t, "submit", "--conf", writeSettings(t, validSettings), "--item", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}
