package schunk

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/meigma/schunk/internal/chunk"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/frame"
	"github.com/meigma/schunk/internal/schunktype"
)

// Metalayer limits.
const (
	MaxMetalayers       = frame.MaxMetalayers
	MaxMetalayerNameLen = frame.MaxNameLen
)

// AddMetalayer reserves a metalayer holding content. Its capacity is fixed
// at len(content). Metalayers can only be added while the super-chunk holds
// no chunks.
func (s *SChunk) AddMetalayer(name string, content []byte) error {
	if err := frame.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if s.metalayerIndex(name) >= 0 {
		return fmt.Errorf("%w: metalayer %q already exists", schunktype.ErrConfiguration, name)
	}
	if len(s.state.Metalayers) >= MaxMetalayers {
		return fmt.Errorf("%w: at most %d metalayers", schunktype.ErrConfiguration, MaxMetalayers)
	}
	if len(s.state.Index) > 0 {
		return fmt.Errorf("%w: metalayer %q added after chunks were stored", schunktype.ErrConfiguration, name)
	}
	if len(content) > chunk.MaxBytes {
		return fmt.Errorf("%w: metalayer %q of %d bytes", schunktype.ErrConfiguration, name, len(content))
	}

	next := s.derive()
	next.Metalayers = append(slices.Clone(s.state.Metalayers), frame.Metalayer{
		Name:     name,
		Capacity: len(content),
		Content:  bytes.Clone(content),
	})
	if err := s.commit(next, s.mem); err != nil {
		return err
	}
	s.log().Debug("added metalayer", "name", name, "capacity", len(content))
	return nil
}

// UpdateMetalayer replaces the content of an existing metalayer. content
// may be shorter than the reserved capacity but not longer. Persistent
// frames are updated in place.
func (s *SChunk) UpdateMetalayer(name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	i := s.metalayerIndex(name)
	if i < 0 {
		return fmt.Errorf("%w: metalayer %q", schunktype.ErrOutOfRange, name)
	}
	if capacity := s.state.Metalayers[i].Capacity; len(content) > capacity {
		return fmt.Errorf("%w: metalayer %q content of %d bytes exceeds capacity %d",
			schunktype.ErrConfiguration, name, len(content), capacity)
	}

	next := s.derive()
	next.Metalayers = slices.Clone(s.state.Metalayers)
	next.Metalayers[i].Content = bytes.Clone(content)
	if s.store != nil {
		if err := s.store.WriteMetalayer(next, i); err != nil {
			return err
		}
	}
	s.state = next
	return nil
}

// GetMetalayer returns a copy of the named metalayer's content.
func (s *SChunk) GetMetalayer(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return nil, err
	}
	i := s.metalayerIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: metalayer %q", schunktype.ErrOutOfRange, name)
	}
	return bytes.Clone(s.state.Metalayers[i].Content), nil
}

// HasMetalayer reports whether the named metalayer exists.
func (s *SChunk) HasMetalayer(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metalayerIndex(name) >= 0
}

// Metalayers returns the metalayer names in the order they were added.
func (s *SChunk) Metalayers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.state.Metalayers))
	for i, m := range s.state.Metalayers {
		names[i] = m.Name
	}
	return names
}

func (s *SChunk) metalayerIndex(name string) int {
	return slices.IndexFunc(s.state.Metalayers, func(m frame.Metalayer) bool {
		return m.Name == name
	})
}

// UpdateUsermeta replaces the usermeta blob. The blob is stored compressed
// with the super-chunk's codec and level. An empty content removes it.
func (s *SChunk) UpdateUsermeta(content []byte) error {
	var encoded []byte
	if len(content) > 0 {
		eng := s.engine()
		p := s.cparams.chunkParams(eng.registry)
		p.Typesize = 1
		p.Filters = filter.Pipeline{}
		p.BlockSize = 0
		var err error
		if encoded, err = chunk.Encode(content, p, nil); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	next := s.derive()
	next.Usermeta = encoded
	if err := s.commit(next, s.mem); err != nil {
		return err
	}
	s.log().Debug("updated usermeta", "nbytes", len(content), "cbytes", len(encoded))
	return nil
}

// Usermeta returns the usermeta blob, or nil if none is set.
func (s *SChunk) Usermeta() ([]byte, error) {
	s.mu.RLock()
	encoded := s.state.Usermeta
	err := s.readable()
	s.mu.RUnlock()
	if err != nil || encoded == nil {
		return nil, err
	}

	c, err := chunk.Parse(encoded)
	if err != nil {
		return nil, fmt.Errorf("usermeta: %w", err)
	}
	out := make([]byte, c.Nbytes())
	if _, err := c.Decode(out, chunk.DecodeOptions{Registry: s.engine().registry, ChunkIndex: -1}); err != nil {
		return nil, fmt.Errorf("usermeta: %w", err)
	}
	return out, nil
}
