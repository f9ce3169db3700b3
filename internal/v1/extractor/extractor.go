// Package extractor resolves user-supplied URLs to (service, id) pairs and
// fetches video metadata. The room engine only sees the Extractor interface;
// the concrete implementations live behind it.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedURL is returned when no service recognizes the URL.
	ErrUnsupportedURL = errors.New("unsupported video url")
	// ErrMetadataUnavailable is returned when the metadata backend fails.
	ErrMetadataUnavailable = errors.New("video metadata unavailable")
)

// Extractor is the collaborator contract for video resolution.
type Extractor interface {
	// Resolve parses a raw URL into a service id pair.
	Resolve(ctx context.Context, rawURL string) (types.VideoID, error)
	// GetVideoInfo fetches full metadata for a single video.
	GetVideoInfo(ctx context.Context, id types.VideoID) (types.Video, error)
	// GetManyVideoInfo fetches metadata for a batch, preserving input order.
	GetManyVideoInfo(ctx context.Context, ids []types.VideoID) ([]types.Video, error)
}

// Service is the HTTP-backed extractor. Requests to the metadata API are
// guarded by a circuit breaker so a dead backend fails fast instead of
// stalling room handlers.
type Service struct {
	httpClient *http.Client
	apiBase    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
}

// NewService builds an extractor against a metadata API endpoint.
func NewService(apiBase, apiKey string) *Service {
	st := gobreaker.Settings{
		Name:        "extractor",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	}
	return &Service{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBase:    strings.TrimRight(apiBase, "/"),
		apiKey:     apiKey,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// Resolve recognizes youtube watch URLs, youtu.be short links, and the
// "service:id" shorthand used by tooling.
func (s *Service) Resolve(_ context.Context, rawURL string) (types.VideoID, error) {
	if service, id, ok := strings.Cut(rawURL, ":"); ok && !strings.Contains(service, "/") && !strings.Contains(rawURL, "://") {
		return types.VideoID{Service: service, ID: id}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return types.VideoID{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	switch host {
	case "youtube.com", "m.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return types.VideoID{Service: "youtube", ID: v}, nil
		}
	case "youtu.be":
		if id := strings.Trim(u.Path, "/"); id != "" {
			return types.VideoID{Service: "youtube", ID: id}, nil
		}
	}
	return types.VideoID{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}

type metadataResponse struct {
	Title     string  `json:"title"`
	Length    float64 `json:"length"`
	Thumbnail string  `json:"thumbnail"`
}

// GetVideoInfo fetches metadata for one video from the metadata API.
func (s *Service) GetVideoInfo(ctx context.Context, id types.VideoID) (types.Video, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx, id)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Extractor circuit breaker open", zap.String("video", id.String()))
		}
		return types.Video{}, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	return res.(types.Video), nil
}

// GetManyVideoInfo fetches metadata for each id, preserving order. A single
// failed fetch fails the batch; callers treat adds as all-or-nothing.
func (s *Service) GetManyVideoInfo(ctx context.Context, ids []types.VideoID) ([]types.Video, error) {
	videos := make([]types.Video, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetVideoInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func (s *Service) fetch(ctx context.Context, id types.VideoID) (types.Video, error) {
	endpoint := fmt.Sprintf("%s/videos/%s/%s", s.apiBase, url.PathEscape(id.Service), url.PathEscape(id.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.Video{}, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return types.Video{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return types.Video{}, fmt.Errorf("metadata api returned %d", resp.StatusCode)
	}

	var meta metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return types.Video{}, err
	}

	return types.Video{
		VideoID:   id,
		Title:     meta.Title,
		Length:    meta.Length,
		Thumbnail: meta.Thumbnail,
	}, nil
}
