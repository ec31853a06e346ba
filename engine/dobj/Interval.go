package dobj

import (
	"github.com/xiaonanln/gopresents/engine/post"
)

// NewInterval creates an unscheduled interval running f on the loop of m
func (m *Manager) NewInterval(f func()) *post.Interval {
	return post.NewInterval(m, f)
}
