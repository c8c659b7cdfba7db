package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talkio/wablast/internal/protocol"
	"go.uber.org/zap"
)

// Outcome classifies one strategy attempt.
type Outcome int

const (
	// OutcomeSuccess carries the decoded bytes.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the next strategy should be tried.
	OutcomeRetryable
	// OutcomeTerminal aborts the remaining strategies.
	OutcomeTerminal
)

// Result is the structured outcome of one fetch strategy.
type Result struct {
	Outcome Outcome
	Data    []byte
	Err     error
}

// Strategy is one way of obtaining the media binary for a message.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, client protocol.Client, ref *protocol.MediaRef) Result
}

// ErrExhausted is returned when every strategy failed. The caller keeps the
// raw URL for later on-demand resolution; this is not a hard failure.
var ErrExhausted = errors.New("all media fetch strategies failed")

// MediaFetcher runs an ordered strategy list until one succeeds.
type MediaFetcher struct {
	strategies []Strategy
}

func NewMediaFetcher() *MediaFetcher {
	return &MediaFetcher{strategies: []Strategy{
		nativeStrategy{},
		descriptorStrategy{},
		urlStrategy{hc: &http.Client{Timeout: 30 * time.Second}},
	}}
}

// NewMediaFetcherWith builds a fetcher over an explicit strategy list (tests).
func NewMediaFetcherWith(strategies ...Strategy) *MediaFetcher {
	return &MediaFetcher{strategies: strategies}
}

func (f *MediaFetcher) Fetch(ctx context.Context, client protocol.Client, ref *protocol.MediaRef) ([]byte, error) {
	if ref == nil {
		return nil, errors.New("nil media ref")
	}
	for _, st := range f.strategies {
		res := st.Fetch(ctx, client, ref)
		switch res.Outcome {
		case OutcomeSuccess:
			return res.Data, nil
		case OutcomeTerminal:
			zap.L().Debug("media fetch aborted", zap.String("strategy", st.Name()), zap.Error(res.Err))
			return nil, ErrExhausted
		default:
			zap.L().Debug("media fetch strategy failed", zap.String("strategy", st.Name()), zap.Error(res.Err))
		}
	}
	return nil, ErrExhausted
}

// nativeStrategy decrypts through the protocol library using the downloadable
// captured at event time.
type nativeStrategy struct{}

func (nativeStrategy) Name() string { return "native" }

func (nativeStrategy) Fetch(ctx context.Context, client protocol.Client, ref *protocol.MediaRef) Result {
	if client == nil || ref.Native == nil {
		return Result{Outcome: OutcomeRetryable, Err: errors.New("no native downloadable")}
	}
	data, err := client.Download(ctx, ref)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	return Result{Outcome: OutcomeSuccess, Data: data}
}

// descriptorStrategy rebuilds the download from the persisted descriptor
// fields, surviving loss of the native downloadable.
type descriptorStrategy struct{}

func (descriptorStrategy) Name() string { return "descriptor" }

func (descriptorStrategy) Fetch(ctx context.Context, client protocol.Client, ref *protocol.MediaRef) Result {
	if client == nil {
		return Result{Outcome: OutcomeRetryable, Err: errors.New("no client")}
	}
	data, err := client.DownloadWithDescriptor(ctx, ref)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	return Result{Outcome: OutcomeSuccess, Data: data}
}

// urlStrategy is the opportunistic last resort: plain fetch of the stored URL.
// Usually yields ciphertext for end-to-end encrypted media, but some payloads
// (profile pictures, stickers from certain sources) are served in the clear.
type urlStrategy struct {
	hc *http.Client
}

func (urlStrategy) Name() string { return "url" }

func (s urlStrategy) Fetch(ctx context.Context, _ protocol.Client, ref *protocol.MediaRef) Result {
	if ref.URL == "" {
		return Result{Outcome: OutcomeTerminal, Err: errors.New("no url to fetch")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	return Result{Outcome: OutcomeSuccess, Data: data}
}
