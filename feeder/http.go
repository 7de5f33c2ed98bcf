package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/starksync/node/store"
)

// RetryPolicy governs per-request retry/backoff for a single feeder
// call. The spec leaves the exact cooldown policy implementation
// defined (§9 Open Questions); this mirrors zk/syncer/l1_syncer.go's
// hand-rolled "sleep retry*2 seconds, up to MaxAttempts" loop rather
// than reaching for a backoff library the teacher doesn't use either.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// HTTPSource is a generic JSON-over-HTTP Feeder Source implementation.
// Concurrency across a requested height range is bounded by Workers,
// the same fixed-size fan-out l1_syncer.go uses for fetchJob batches.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	Workers int
	Retry   RetryPolicy
	Logger  log.Logger
}

func NewHTTPSource(baseURL string, logger log.Logger) *HTTPSource {
	return &HTTPSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Workers: 8,
		Retry:   DefaultRetryPolicy(),
		Logger:  logger,
	}
}

func (s *HTTPSource) ChainTip(ctx context.Context) (uint64, error) {
	var resp struct {
		Height uint64 `json:"height"`
	}
	if err := s.getJSON(ctx, "/feeder_gateway/get_chain_tip", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Height, nil
}

func (s *HTTPSource) boundedRange(from, upTo uint64, maxStreamSize int) []uint64 {
	if upTo <= from {
		return nil
	}
	n := upTo - from
	if maxStreamSize > 0 && uint64(maxStreamSize) < n {
		n = uint64(maxStreamSize)
	}
	heights := make([]uint64, 0, n)
	for h := from; h < from+n; h++ {
		heights = append(heights, h)
	}
	return heights
}

func (s *HTTPSource) StreamBlocks(ctx context.Context, from, upTo uint64, maxStreamSize int) ([]BlockArtifact, error) {
	heights := s.boundedRange(from, upTo, maxStreamSize)
	results := make([]BlockArtifact, len(heights))
	err := s.fanOut(ctx, len(heights), func(i int) error {
		h := heights[i]
		var wire struct {
			Height     uint64            `json:"height"`
			Hash       string            `json:"hash"`
			ParentHash string            `json:"parent_hash"`
			Timestamp  uint64            `json:"timestamp"`
			Extra      map[string]string `json:"extra"`
			Body       []byte            `json:"body"`
		}
		if err := s.getJSONRetry(ctx, "/feeder_gateway/get_block", map[string]string{"blockNumber": fmt.Sprint(h)}, &wire); err != nil {
			return err
		}
		results[i] = BlockArtifact{
			Height: h,
			Header: store.Header{
				Height:     wire.Height,
				Hash:       feltFromHex(wire.Hash),
				ParentHash: feltFromHex(wire.ParentHash),
				Timestamp:  wire.Timestamp,
				Extra:      wire.Extra,
			},
			Body: store.Body{Height: h, Raw: wire.Body},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// PendingArtifact is the not-yet-finalized tip, the plug-in point for
// Pending Sync (§4.6). Kept here rather than duplicating an HTTP
// client so pendingsync.Source implementations can wrap an HTTPSource
// directly.
type PendingArtifact struct {
	ParentHeight uint64
	Header       store.Header
	Body         store.Body
}

func (s *HTTPSource) GetPendingBlock(ctx context.Context, afterHeight uint64) (*PendingArtifact, bool, error) {
	var wire struct {
		ParentHeight uint64            `json:"parent_height"`
		Hash         string            `json:"hash"`
		ParentHash   string            `json:"parent_hash"`
		Timestamp    uint64            `json:"timestamp"`
		Extra        map[string]string `json:"extra"`
		Body         []byte            `json:"body"`
		Present      bool              `json:"present"`
	}
	if err := s.getJSON(ctx, "/feeder_gateway/get_pending_block", map[string]string{"afterHeight": fmt.Sprint(afterHeight)}, &wire); err != nil {
		return nil, false, err
	}
	if !wire.Present {
		return nil, false, nil
	}
	return &PendingArtifact{
		ParentHeight: wire.ParentHeight,
		Header: store.Header{
			Height:     wire.ParentHeight + 1,
			Hash:       feltFromHex(wire.Hash),
			ParentHash: feltFromHex(wire.ParentHash),
			Timestamp:  wire.Timestamp,
			Extra:      wire.Extra,
		},
		Body: store.Body{Height: wire.ParentHeight + 1, Raw: wire.Body},
	}, true, nil
}

func (s *HTTPSource) StreamStateDiffs(ctx context.Context, from, upTo uint64, maxStreamSize int) ([]StateDiffArtifact, error) {
	heights := s.boundedRange(from, upTo, maxStreamSize)
	results := make([]StateDiffArtifact, len(heights))
	err := s.fanOut(ctx, len(heights), func(i int) error {
		h := heights[i]
		var wire struct {
			Height           uint64 `json:"height"`
			StorageMutations []byte `json:"storage_mutations"`
			DeclaredClasses  []struct {
				ClassHash string `json:"class_hash"`
				Program   []byte `json:"program"`
			} `json:"declared_classes"`
			DeprecatedClasses []string `json:"deprecated_classes"`
		}
		if err := s.getJSONRetry(ctx, "/feeder_gateway/get_state_diff", map[string]string{"blockNumber": fmt.Sprint(h)}, &wire); err != nil {
			return err
		}
		diff := store.StateDiff{
			Height:           h,
			StorageMutations: wire.StorageMutations,
			DeclaredClasses:  make(map[store.Felt]store.SierraClass, len(wire.DeclaredClasses)),
		}
		for _, dc := range wire.DeclaredClasses {
			hash := feltFromHex(dc.ClassHash)
			diff.DeclaredClasses[hash] = store.SierraClass{ClassHash: hash, Program: dc.Program}
		}
		for _, dep := range wire.DeprecatedClasses {
			diff.DeprecatedClasses = append(diff.DeprecatedClasses, feltFromHex(dep))
		}
		results[i] = StateDiffArtifact{Height: h, Diff: diff}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *HTTPSource) StreamCompiledClasses(ctx context.Context, from, upTo uint64, needed []store.Felt, maxStreamSize int) ([]CompiledClassArtifact, error) {
	heights := s.boundedRange(from, upTo, maxStreamSize)
	type job struct {
		height uint64
		hash   store.Felt
	}
	var jobs []job
	for _, h := range heights {
		for _, hash := range needed {
			jobs = append(jobs, job{height: h, hash: hash})
		}
	}
	results := make([]CompiledClassArtifact, len(jobs))
	err := s.fanOut(ctx, len(jobs), func(i int) error {
		j := jobs[i]
		var wire struct {
			CASM []byte `json:"casm"`
		}
		params := map[string]string{"blockNumber": fmt.Sprint(j.height), "classHash": hexFromFelt(j.hash)}
		if err := s.getJSONRetry(ctx, "/feeder_gateway/get_compiled_class", params, &wire); err != nil {
			return err
		}
		results[i] = CompiledClassArtifact{Height: j.height, ClassHash: j.hash, CASM: wire.CASM}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, k int) bool { return results[i].Height < results[k].Height })
	return results, nil
}

func (s *HTTPSource) LatestFinalizedOnL1(ctx context.Context) (*uint64, error) {
	var resp struct {
		Height *uint64 `json:"height"`
	}
	if err := s.getJSON(ctx, "/feeder_gateway/get_last_l1_finalized", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Height, nil
}

// fanOut runs fn(0..n) across s.Workers goroutines, matching the fixed
// worker-pool fan-out l1_syncer.go uses to bound concurrent upstream
// requests. It returns the first error encountered, after draining all
// in-flight workers.
func (s *HTTPSource) fanOut(ctx context.Context, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	workers := s.Workers
	if workers <= 0 || workers > n {
		workers = n
	}
	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				if err := fn(i); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}()
	}
	var firstErr error
	for w := 0; w < workers; w++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *HTTPSource) getJSONRetry(ctx context.Context, path string, params map[string]string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= s.Retry.MaxAttempts; attempt++ {
		lastErr = s.getJSON(ctx, path, params, out)
		if lastErr == nil {
			return nil
		}
		if s.Logger != nil {
			s.Logger.Warn("feeder request failed, retrying", "path", path, "attempt", attempt, "err", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.Retry.BaseDelay):
		}
	}
	return fmt.Errorf("feeder: %s failed after %d attempts: %w", path, s.Retry.MaxAttempts, lastErr)
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	u := s.BaseURL + path
	if len(params) > 0 {
		first := true
		for k, v := range params {
			sep := "&"
			if first {
				sep = "?"
				first = false
			}
			u += sep + k + "=" + v
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("feeder: build request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("feeder: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feeder: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feeder: decode %s response: %w", path, err)
	}
	return nil
}

func feltFromHex(s string) store.Felt {
	var f store.Felt
	b := []byte(s)
	if len(b) > 2 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X') {
		b = b[2:]
	}
	if len(b) > 64 {
		b = b[len(b)-64:]
	}
	decoded := make([]byte, 0, 32)
	for i := 0; i+1 < len(b); i += 2 {
		decoded = append(decoded, hexByte(b[i], b[i+1]))
	}
	copy(f[32-len(decoded):], decoded)
	return f
}

func hexByte(hi, lo byte) byte {
	return hexNibble(hi)<<4 | hexNibble(lo)
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

func hexFromFelt(f store.Felt) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2+len(f)*2)
	out[0], out[1] = '0', 'x'
	for i, b := range f {
		out[2+i*2] = hexDigits[b>>4]
		out[3+i*2] = hexDigits[b&0xf]
	}
	return string(out)
}
