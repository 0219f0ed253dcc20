//go:build !llama

package llm

import "errors"

// ErrLocalUnavailable is returned when the binary was built without the llama
// build tag.
var ErrLocalUnavailable = errors.New("local backend requires building with -tags llama")

func NewLocalGenerator(path string, contextLength, gpuLayers int) (Generator, error) {
	return nil, ErrLocalUnavailable
}
