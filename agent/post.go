package agent

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrInvalidPost is returned when a document does not decode into a post
// with a positive id.
var ErrInvalidPost = errors.New("invalid post")

// Post is a single item fetched by a leaf task and merged by the join task.
type Post struct {
	UserID int    `json:"userId,omitempty"`
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// DecodePost parses a post document.
func DecodePost(data []byte) (Post, error) {
	p := Post{}
	if err := json.Unmarshal(data, &p); err != nil {
		return Post{}, errors.Wrapf(ErrInvalidPost, "decoding JSON: %s", err)
	}
	if p.ID <= 0 {
		return Post{}, errors.Wrapf(ErrInvalidPost, "id %d is not positive", p.ID)
	}
	return p, nil
}
