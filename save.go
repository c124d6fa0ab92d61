package schunk

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/schunk/internal/frame"
)

// Frame returns the canonical contiguous frame image of the super-chunk.
// OpenFrame turns it back into a super-chunk.
func (s *SChunk) Frame() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return nil, err
	}
	payloads, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	img, _, err := frame.Image(s.state, func(i int) ([]byte, error) { return payloads[i], nil })
	return img, err
}

// Save writes a persistent copy of the super-chunk to a new frame at path.
// The super-chunk itself keeps its current backing.
func (s *SChunk) Save(path string, layout Layout) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return err
	}
	payloads, err := s.loadAll()
	if err != nil {
		return err
	}
	err = frame.Save(path, layout, s.state, func(i int) ([]byte, error) {
		return payloads[i], nil
	}, frame.WithLogger(s.cfg.logger))
	if err != nil {
		return err
	}
	s.log().Info("saved super-chunk", "path", path, "layout", layout.String(), "chunks", len(payloads))
	return nil
}

// Compact rewrites a contiguous frame without the space left behind by
// updated and deleted chunks. It is a no-op for in-memory super-chunks and
// sharded frames, which release space as they go.
func (s *SChunk) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.Compact(); err != nil {
		return err
	}
	s.state = s.store.State()
	return nil
}

// loadAll reads every chunk payload, fetching from storage in parallel.
// Caller holds s.mu.
func (s *SChunk) loadAll() ([][]byte, error) {
	if s.store == nil {
		return s.mem, nil
	}
	payloads := make([][]byte, len(s.state.Index))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range payloads {
		g.Go(func() error {
			data, err := s.payload(i)
			if err != nil {
				return err
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}
