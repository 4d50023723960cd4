package store

import "github.com/murachue/nosteen-sub000/internal/models"

// Posts is the global post table keyed by derived post id. Entries live
// while at least one stream references them.
type Posts struct {
	posts map[string]*models.Post
	refs  map[string]int
}

// NewPosts returns an empty table.
func NewPosts() *Posts {
	return &Posts{posts: make(map[string]*models.Post), refs: make(map[string]int)}
}

// Get returns the post for id, or nil.
func (t *Posts) Get(id string) *models.Post {
	return t.posts[id]
}

// GetOrCreate returns the post for id, creating it around origin if needed.
func (t *Posts) GetOrCreate(id string, origin *models.DeletableEvent) (*models.Post, bool) {
	if p, ok := t.posts[id]; ok {
		return p, false
	}
	p := &models.Post{ID: id, Origin: origin}
	t.posts[id] = p
	return p, true
}

// Ref records one more stream holding id and returns the new count.
func (t *Posts) Ref(id string) int {
	t.refs[id]++
	return t.refs[id]
}

// Unref drops one stream reference and deletes the post at zero. It
// returns the remaining count.
func (t *Posts) Unref(id string) int {
	n := t.refs[id] - 1
	if n <= 0 {
		delete(t.refs, id)
		delete(t.posts, id)
		return 0
	}
	t.refs[id] = n
	return n
}

// Refs returns how many streams hold id.
func (t *Posts) Refs(id string) int {
	return t.refs[id]
}

// Len returns the number of posts.
func (t *Posts) Len() int {
	return len(t.posts)
}
