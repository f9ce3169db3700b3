package extractor

import (
	"context"
	"fmt"
	"sync"

	"github.com/watchroom/backend/go/internal/v1/types"
)

// Fake is an in-memory Extractor for tests and development mode.
type Fake struct {
	mu     sync.RWMutex
	videos map[string]types.Video
	urls   map[string]types.VideoID
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		videos: make(map[string]types.Video),
		urls:   make(map[string]types.VideoID),
	}
}

// AddVideo registers metadata for a video id.
func (f *Fake) AddVideo(v types.Video) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos[v.Key()] = v
}

// AddURL registers a raw URL mapping.
func (f *Fake) AddURL(rawURL string, id types.VideoID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[rawURL] = id
}

// Resolve implements Extractor.
func (f *Fake) Resolve(_ context.Context, rawURL string) (types.VideoID, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id, ok := f.urls[rawURL]; ok {
		return id, nil
	}
	return types.VideoID{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}

// GetVideoInfo implements Extractor.
func (f *Fake) GetVideoInfo(_ context.Context, id types.VideoID) (types.Video, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.videos[id.Key()]; ok {
		return v, nil
	}
	return types.Video{}, fmt.Errorf("%w: %s", ErrMetadataUnavailable, id)
}

// GetManyVideoInfo implements Extractor.
func (f *Fake) GetManyVideoInfo(ctx context.Context, ids []types.VideoID) ([]types.Video, error) {
	videos := make([]types.Video, 0, len(ids))
	for _, id := range ids {
		v, err := f.GetVideoInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, nil
}
