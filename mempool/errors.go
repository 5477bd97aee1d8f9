package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrChangeInPool is returned to callers re-submitting a change that is
	// already pending.
	ErrChangeInPool = errors.New("world change already exists in pool")
)

// ErrPoolIsFull 超过pool容量之后直接拒绝新的变更，不做驱逐
type ErrPoolIsFull struct {
	Size    int
	MaxSize int
}

func (e ErrPoolIsFull) Error() string {
	return fmt.Sprintf("change pool is full: size %d, max %d", e.Size, e.MaxSize)
}
