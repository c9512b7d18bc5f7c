package client

import (
	"context"
	"io"

	"github.com/tarnfs/tarnfs/pkg/client/cache"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Service couples a Remote with the local node cache. Reads are
// answered from the cache when possible; every mutation invalidates
// the nodes it could have changed. With a nil cache the Service is a
// plain pass-through.
type Service struct {
	remote *Remote
	cache  *cache.NodeCache
}

// NewService wraps remote with nodeCache. nodeCache may be nil.
func NewService(remote *Remote, nodeCache *cache.NodeCache) *Service {
	return &Service{remote: remote, cache: nodeCache}
}

// NodeInfo returns the node, from cache when fresh.
func (s *Service) NodeInfo(ctx context.Context, id metadata.NodeID) (metadata.NodeInfo, error) {
	if s.cache != nil {
		if info, ok := s.cache.Get(id); ok {
			return info, nil
		}
	}

	info, err := s.remote.NodeInfo(ctx, id)
	if err != nil {
		return metadata.NodeInfo{}, err
	}
	if s.cache != nil {
		s.cache.Put(id, info)
	}
	return info, nil
}

// Lookup resolves a name. Always remote: entries change under other
// clients and a stale ref is worse than a round trip.
func (s *Service) Lookup(ctx context.Context, parent metadata.NodeID, name string) (metadata.EntryRef, error) {
	return s.remote.Lookup(ctx, parent, name)
}

// List returns the directory's entries.
func (s *Service) List(ctx context.Context, parent metadata.NodeID) ([]metadata.Entry, error) {
	return s.remote.List(ctx, parent)
}

// FileInfo returns the file's size and digest.
func (s *Service) FileInfo(ctx context.Context, id metadata.NodeID) (metadata.FileInfo, error) {
	return s.remote.FileInfo(ctx, id)
}

// CreateFile creates a file and invalidates the parent.
func (s *Service) CreateFile(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, hash.Hash, error) {
	id, digest, err := s.remote.CreateFile(ctx, parent, name)
	if err == nil {
		s.invalidate(parent)
	}
	return id, digest, err
}

// CreateDirectory creates a directory and invalidates the parent.
func (s *Service) CreateDirectory(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, error) {
	id, err := s.remote.CreateDirectory(ctx, parent, name)
	if err == nil {
		s.invalidate(parent)
	}
	return id, err
}

// Remove removes an entry and invalidates the parent. The removed
// node's own entry ages out via TTL; its id is never reused while
// cached entries for it could survive.
func (s *Service) Remove(ctx context.Context, parent metadata.NodeID, name string) error {
	err := s.remote.Remove(ctx, parent, name)
	if err == nil {
		s.invalidate(parent)
	}
	return err
}

// Rename moves an entry and invalidates both parents.
func (s *Service) Rename(ctx context.Context, srcParent metadata.NodeID, srcName string, dstParent metadata.NodeID, dstName string) error {
	err := s.remote.Rename(ctx, srcParent, srcName, dstParent, dstName)
	if err == nil {
		s.invalidate(srcParent)
		s.invalidate(dstParent)
	}
	return err
}

// ReadAll fetches and verifies the complete content.
func (s *Service) ReadAll(ctx context.Context, id metadata.NodeID) ([]byte, hash.Hash, error) {
	return s.remote.ReadAll(ctx, id)
}

// ReadAllIfChanged fetches the content only when it no longer matches
// the known digest; callers holding a verified copy skip the transfer.
func (s *Service) ReadAllIfChanged(ctx context.Context, id metadata.NodeID, known hash.Hash) ([]byte, hash.Hash, bool, error) {
	return s.remote.ReadAllIfChanged(ctx, id, known)
}

// ReadRange streams a content window.
func (s *Service) ReadRange(ctx context.Context, id metadata.NodeID, offset uint64, length int64) (io.ReadCloser, error) {
	return s.remote.ReadRange(ctx, id, offset, length)
}

// Write uploads new content and invalidates the file's node.
func (s *Service) Write(ctx context.Context, id metadata.NodeID, data []byte, ifMatch *hash.Hash) (hash.Hash, error) {
	digest, err := s.remote.Write(ctx, id, data, ifMatch)
	if err == nil {
		s.invalidate(id)
	}
	return digest, err
}

func (s *Service) invalidate(id metadata.NodeID) {
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
}
