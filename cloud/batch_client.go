package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/evergreen-ci/postbatch/util"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// BatchClient is a wrapper for the batch service's data plane so we can
// use a mock in testing.
type BatchClient interface {
	// CreatePool issues a pool creation request.
	CreatePool(ctx context.Context, pool BatchPool) error
	// DeletePool issues a pool deletion request. The service removes the
	// pool asynchronously.
	DeletePool(ctx context.Context, poolID string) error
	// CreateJob issues a job creation request.
	CreateJob(ctx context.Context, job BatchJob) error
	// PatchJob updates the job's completion policy.
	PatchJob(ctx context.Context, jobID string, patch BatchJobPatch) error
	// DeleteJob issues a job deletion request.
	DeleteJob(ctx context.Context, jobID string) error
	// AddTasks submits a collection of at most 100 tasks and returns the
	// per-task results.
	AddTasks(ctx context.Context, jobID string, tasks []BatchTask) ([]TaskAddResult, error)
	// ListTasks returns the status of every task in the job, following
	// pagination to the end.
	ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error)
	// Close releases the client's resources.
	Close()
}

// BatchError is an error response from the batch service.
type BatchError struct {
	StatusCode int
	Code       string
	Message    string
	Operation  string
}

func (e *BatchError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: batch service returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: batch service returned status %d (%s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

// IsBatchErrorCode returns whether err is, or wraps, a BatchError with one
// of the given codes.
func IsBatchErrorCode(err error, codes ...string) bool {
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		return false
	}
	return utility.StringSliceContains(codes, batchErr.Code)
}

// BatchClientOptions configure a BatchClient.
type BatchClientOptions struct {
	// ServiceURL is the account endpoint, e.g.
	// https://account.region.batch.azure.com.
	ServiceURL  string
	AccountName string
	AccountKey  string
	// HTTPClient overrides the pooled retrying client.
	HTTPClient *http.Client
}

type batchClientImpl struct {
	baseURL    *url.URL
	credential *sharedKeyCredential
	httpClient *http.Client
	pooled     bool
}

// NewBatchClient returns a BatchClient for the account.
func NewBatchClient(opts BatchClientOptions) (BatchClient, error) {
	u, err := url.Parse(strings.TrimSuffix(opts.ServiceURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing batch service URL '%s'", opts.ServiceURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("batch service URL '%s' must be absolute", opts.ServiceURL)
	}
	cred, err := newSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating batch credential")
	}

	c := &batchClientImpl{
		baseURL:    u,
		credential: cred,
		httpClient: opts.HTTPClient,
	}
	if c.httpClient == nil {
		c.httpClient = util.GetHTTPRetryableClient(batchRetryConf())
		c.pooled = true
	}
	return c, nil
}

// batchRetryConf retries every call except task submission. The service
// rejects a resubmitted task ID with TaskExists, so a retried collection
// whose first response was lost would report tasks that were in fact
// added.
func batchRetryConf() util.HTTPRetryConfiguration {
	conf := util.NewDefaultHTTPRetryConf()
	conf.ExcludeRequest = func(r *http.Request) bool {
		return r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/addtaskcollection")
	}
	return conf
}

func (c *batchClientImpl) Close() {
	if c.pooled && c.httpClient != nil {
		util.PutHTTPClient(c.httpClient)
		c.httpClient = nil
	}
}

func (c *batchClientImpl) resourceURL(query url.Values, segments ...string) *url.URL {
	u := *c.baseURL
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = c.baseURL.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.baseURL.Path + "/" + strings.Join(escaped, "/")
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", BatchAPIVersion)
	u.RawQuery = query.Encode()
	return &u
}

func (c *batchClientImpl) newRequest(ctx context.Context, method string, u *url.URL, body interface{}) (*http.Request, error) {
	var payload io.Reader
	var length int
	if body != nil {
		out, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling request body")
		}
		payload = bytes.NewReader(out)
		length = len(out)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), payload)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	if body != nil {
		r.ContentLength = int64(length)
		r.Header.Set("Content-Type", batchContentType)
	}
	r.Header.Set("Accept", "application/json")
	c.credential.sign(r)

	return r, nil
}

// do executes the request and decodes a successful response into out when
// out is not nil.
func (c *batchClientImpl) do(ctx context.Context, operation, method string, u *url.URL, body, out interface{}) error {
	r, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, operation)
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		return errors.Wrap(err, operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return readBatchError(resp, operation)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(utility.ReadJSON(resp.Body, out), "%s: reading response body", operation)
}

func readBatchError(resp *http.Response, operation string) error {
	batchErr := &BatchError{StatusCode: resp.StatusCode, Operation: operation}

	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return batchErr
	}
	body := batchErrorBody{}
	if err := json.Unmarshal(data, &body); err != nil {
		batchErr.Message = string(data)
		return batchErr
	}
	batchErr.Code = body.Code
	batchErr.Message = body.Message.Value
	return batchErr
}

func (c *batchClientImpl) CreatePool(ctx context.Context, pool BatchPool) error {
	return c.do(ctx, fmt.Sprintf("creating pool '%s'", pool.ID), http.MethodPost, c.resourceURL(nil, "pools"), pool, nil)
}

func (c *batchClientImpl) DeletePool(ctx context.Context, poolID string) error {
	return c.do(ctx, fmt.Sprintf("deleting pool '%s'", poolID), http.MethodDelete, c.resourceURL(nil, "pools", poolID), nil, nil)
}

func (c *batchClientImpl) CreateJob(ctx context.Context, job BatchJob) error {
	return c.do(ctx, fmt.Sprintf("creating job '%s'", job.ID), http.MethodPost, c.resourceURL(nil, "jobs"), job, nil)
}

func (c *batchClientImpl) PatchJob(ctx context.Context, jobID string, patch BatchJobPatch) error {
	return c.do(ctx, fmt.Sprintf("updating job '%s'", jobID), http.MethodPatch, c.resourceURL(nil, "jobs", jobID), patch, nil)
}

func (c *batchClientImpl) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, fmt.Sprintf("deleting job '%s'", jobID), http.MethodDelete, c.resourceURL(nil, "jobs", jobID), nil, nil)
}

func (c *batchClientImpl) AddTasks(ctx context.Context, jobID string, tasks []BatchTask) ([]TaskAddResult, error) {
	if len(tasks) > batchMaxTasksPerAddCall {
		return nil, errors.Errorf("cannot add %d tasks in one call, the limit is %d", len(tasks), batchMaxTasksPerAddCall)
	}

	result := batchTaskAddCollectionResult{}
	operation := fmt.Sprintf("adding %d tasks to job '%s'", len(tasks), jobID)
	if err := c.do(ctx, operation, http.MethodPost, c.resourceURL(nil, "jobs", jobID, "addtaskcollection"), batchTaskCollection{Value: tasks}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (c *batchClientImpl) ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error) {
	query := url.Values{}
	query.Set("$select", "id,state,executionInfo")
	next := c.resourceURL(query, "jobs", jobID, "tasks")
	operation := fmt.Sprintf("listing tasks of job '%s'", jobID)

	tasks := []TaskStatus{}
	for page := 1; next != nil; page++ {
		list := batchTaskList{}
		if err := c.do(ctx, operation, http.MethodGet, next, nil, &list); err != nil {
			return nil, err
		}
		tasks = append(tasks, list.Value...)

		next = nil
		if list.NextLink != "" {
			u, err := url.Parse(list.NextLink)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: parsing next page link", operation)
			}
			if u.Host != c.baseURL.Host {
				return nil, errors.Errorf("%s: next page link points to unexpected host '%s'", operation, u.Host)
			}
			next = u
			grip.Debug(message.Fields{
				"message": "following task list pagination",
				"job":     jobID,
				"page":    page + 1,
				"seen":    len(tasks),
			})
		}
	}

	return tasks, nil
}
