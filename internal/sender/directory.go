package sender

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
)

// Directory maps server keys to maildrop base URLs.
type Directory struct {
	mu   sync.RWMutex
	urls map[keyring.PublicKey]string
	repo repository.PeerRepository
	log  *zap.Logger
}

// NewDirectory seeds a directory with configured peers. repo may be nil.
func NewDirectory(repo repository.PeerRepository, seeds []model.ServerPeer, log *zap.Logger) *Directory {
	d := &Directory{urls: map[keyring.PublicKey]string{}, repo: repo, log: log}
	for _, p := range seeds {
		d.urls[p.Key] = p.URL
	}
	return d
}

// Load merges persisted peers under the configured ones.
func (d *Directory) Load(ctx context.Context) error {
	if d.repo == nil {
		return nil
	}
	peers, err := d.repo.ListPeers(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range peers {
		if _, ok := d.urls[p.Key]; !ok {
			d.urls[p.Key] = p.URL
		}
	}
	return nil
}

// URL returns the maildrop base URL of key.
func (d *Directory) URL(key keyring.PublicKey) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.urls[key]
	return u, ok
}

// Learn records url for key. Empty urls and unchanged entries are ignored.
func (d *Directory) Learn(ctx context.Context, key keyring.PublicKey, url string) error {
	if url == "" || key.IsZero() {
		return nil
	}
	d.mu.Lock()
	if d.urls[key] == url {
		d.mu.Unlock()
		return nil
	}
	d.urls[key] = url
	d.mu.Unlock()

	d.log.Info("peer learned", zap.Stringer("server", key), zap.String("url", url))
	if d.repo == nil {
		return nil
	}
	return d.repo.UpsertPeer(ctx, model.ServerPeer{Key: key, URL: url})
}
