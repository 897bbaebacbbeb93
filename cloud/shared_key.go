package cloud

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ocpDateHeader       = "ocp-date"
	ocpHeaderPrefix     = "ocp-"
	authorizationHeader = "Authorization"
)

// sharedKeyCredential signs batch requests with the account's access key.
type sharedKeyCredential struct {
	account string
	key     []byte
	now     func() time.Time
}

func newSharedKeyCredential(account, key string) (*sharedKeyCredential, error) {
	if account == "" {
		return nil, errors.New("batch account name must be specified")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "decoding batch account key")
	}
	return &sharedKeyCredential{account: account, key: decoded, now: time.Now}, nil
}

// sign stamps the request with the current date and its authorization
// header.
func (c *sharedKeyCredential) sign(r *http.Request) {
	if r.Header.Get(ocpDateHeader) == "" {
		r.Header.Set(ocpDateHeader, c.now().UTC().Format(http.TimeFormat))
	}

	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(c.stringToSign(r)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	r.Header.Set(authorizationHeader, fmt.Sprintf("SharedKey %s:%s", c.account, signature))
}

func (c *sharedKeyCredential) stringToSign(r *http.Request) string {
	contentLength := ""
	if r.ContentLength > 0 {
		contentLength = strconv.FormatInt(r.ContentLength, 10)
	}

	fields := []string{
		r.Method,
		r.Header.Get("Content-Encoding"),
		r.Header.Get("Content-Language"),
		contentLength,
		r.Header.Get("Content-MD5"),
		r.Header.Get("Content-Type"),
		r.Header.Get("Date"),
		r.Header.Get("If-Modified-Since"),
		r.Header.Get("If-Match"),
		r.Header.Get("If-None-Match"),
		r.Header.Get("If-Unmodified-Since"),
		r.Header.Get("Range"),
	}

	return strings.Join(fields, "\n") + "\n" + canonicalizedHeaders(r.Header) + c.canonicalizedResource(r.URL)
}

func canonicalizedHeaders(h http.Header) string {
	names := []string{}
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, ocpHeaderPrefix) {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(h.Get(name)))
		b.WriteString("\n")
	}
	return b.String()
}

func (c *sharedKeyCredential) canonicalizedResource(u *url.URL) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(c.account)
	if u.EscapedPath() == "" {
		b.WriteString("/")
	} else {
		b.WriteString(u.EscapedPath())
	}

	query := u.Query()
	params := make(map[string][]string, len(query))
	names := make([]string, 0, len(query))
	for name, values := range query {
		lower := strings.ToLower(name)
		if _, ok := params[lower]; !ok {
			names = append(names, lower)
		}
		params[lower] = append(params[lower], values...)
	}
	sort.Strings(names)

	for _, name := range names {
		values := params[name]
		sort.Strings(values)
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
