// Package memory implements the repository interfaces in process memory. The
// server uses it when no database DSN is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

type contact struct{ user, server, tell keyring.PublicKey }

type grant struct {
	user   keyring.PublicKey
	convID string
	server keyring.PublicKey
}

type conversation struct {
	meta    model.ConversationMeta
	backlog []model.FanoutMsg
	nonces  map[[2 * keyring.KeySize]byte]bool
	perUser map[keyring.PublicKey]model.FanoutMsg
}

type replica struct {
	block     model.ReplicaBlock
	delivered bool
}

// Store satisfies every repository interface.
type Store struct {
	mu       sync.Mutex
	seq      int64
	byRoot   map[keyring.PublicKey]*model.UserAccount
	byTell   map[keyring.PublicKey]*model.UserAccount
	contacts map[contact]bool
	grants   map[grant]bool
	probe    map[string]int
	convs    map[string]*conversation
	replicas map[keyring.PublicKey][]*replica
	peers    map[keyring.PublicKey]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byRoot:   map[keyring.PublicKey]*model.UserAccount{},
		byTell:   map[keyring.PublicKey]*model.UserAccount{},
		contacts: map[contact]bool{},
		grants:   map[grant]bool{},
		probe:    map[string]int{},
		convs:    map[string]*conversation{},
		replicas: map[keyring.PublicKey][]*replica{},
		peers:    map[keyring.PublicKey]string{},
	}
}

func (s *Store) ServerGetUserAccountByTellKey(_ context.Context, tellKey keyring.PublicKey) (*model.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byTell[tellKey]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByRootKey(_ context.Context, rootKey keyring.PublicKey) (*model.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byRoot[rootKey]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateUser(_ context.Context, u *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRoot[u.RootKey]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := s.byTell[u.TellKey]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.byRoot[u.RootKey] = &cp
	s.byTell[u.TellKey] = &cp
	return nil
}

func (s *Store) UserAuthorizeContact(_ context.Context, userRoot, contactTell, serverKey keyring.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRoot[userRoot]; !ok {
		return errs.ErrNotFound
	}
	s.contacts[contact{user: userRoot, server: serverKey, tell: contactTell}] = true
	return nil
}

func (s *Store) UserAssertServerUser(_ context.Context, userRoot, serverKey, contactTell keyring.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.contacts[contact{user: userRoot, server: serverKey, tell: contactTell}] {
		return errs.ErrUnauthorized
	}
	return nil
}

func (s *Store) UserAuthorizeServerForConversation(_ context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRoot[userRoot]; !ok {
		return errs.ErrNotFound
	}
	s.grants[grant{user: userRoot, convID: convID, server: serverKey}] = true
	return nil
}

func (s *Store) UserAssertServerConversation(_ context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.grants[grant{user: userRoot, convID: convID, server: serverKey}] {
		return errs.ErrUnauthorized
	}
	return nil
}

func (s *Store) ConvAssertServerUser(_ context.Context, convID string, serverKey, tellKey keyring.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return errs.ErrUnauthorized
	}
	for _, p := range c.meta.Participants {
		if p.TellKey == tellKey && p.ServerKey == serverKey {
			return nil
		}
	}
	return errs.ErrUnauthorized
}

func (s *Store) ConvAuthorizeServerUser(_ context.Context, convID string, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return errs.ErrNotFound
	}
	for _, q := range c.meta.Participants {
		if q.TellKey == p.TellKey {
			return errs.ErrAlreadyExists
		}
	}
	c.meta.Participants = append(c.meta.Participants, p)
	return nil
}

func (s *Store) ConvGetParticipants(_ context.Context, convID string) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, nil
	}
	return append([]model.Participant(nil), c.meta.Participants...), nil
}

func (s *Store) ConvInitialAuthorizeMultipleUsers(_ context.Context, convID string, ps []model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return errs.ErrNotFound
	}
	seen := map[keyring.PublicKey]bool{}
	for _, p := range c.meta.Participants {
		seen[p.TellKey] = true
	}
	for _, p := range ps {
		if seen[p.TellKey] {
			return errs.ErrAlreadyExists
		}
		seen[p.TellKey] = true
	}
	c.meta.Participants = append(c.meta.Participants, ps...)
	return nil
}

// CreateConversation mirrors the probe cell of the SQL backend: the first
// create of an id sees 1, every later one a larger number.
func (s *Store) CreateConversation(_ context.Context, meta model.ConversationMeta, initial []model.FanoutMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe[meta.ID]++
	if s.probe[meta.ID] != 1 {
		return errs.ErrConversationExists
	}
	seen := map[[2 * keyring.KeySize]byte]bool{}
	for _, m := range initial {
		dk := dedupKey(m)
		if seen[dk] {
			s.probe[meta.ID]--
			return errs.ErrAlreadyExists
		}
		seen[dk] = true
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	meta.Participants = nil
	c := &conversation{
		meta:    meta,
		nonces:  map[[2 * keyring.KeySize]byte]bool{},
		perUser: map[keyring.PublicKey]model.FanoutMsg{},
	}
	s.convs[meta.ID] = c
	for _, m := range initial {
		if _, err := s.appendLocked(c, m); err != nil {
			return err
		}
	}
	return nil
}

func dedupKey(m model.FanoutMsg) (k [2 * keyring.KeySize]byte) {
	copy(k[:keyring.KeySize], m.SentBy[:])
	copy(k[keyring.KeySize:], m.Nonce[:])
	return k
}

func (s *Store) appendLocked(c *conversation, m model.FanoutMsg) (model.FanoutMsg, error) {
	dk := dedupKey(m)
	if c.nonces[dk] {
		return model.FanoutMsg{}, errs.ErrAlreadyExists
	}
	c.nonces[dk] = true
	s.seq++
	m.Seq = s.seq
	c.backlog = append(c.backlog, m)
	return m, nil
}

func (s *Store) AddMessageToConversation(_ context.Context, convID string, msg model.FanoutMsg) (model.FanoutMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return model.FanoutMsg{}, errs.ErrNotFound
	}
	return s.appendLocked(c, msg)
}

func (s *Store) UpdateConvPerUserMetadata(_ context.Context, convID string, userKey keyring.PublicKey, msg model.FanoutMsg) (model.FanoutMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return model.FanoutMsg{}, errs.ErrNotFound
	}
	out, err := s.appendLocked(c, msg)
	if err != nil {
		return model.FanoutMsg{}, err
	}
	c.perUser[userKey] = out
	return out, nil
}

func (s *Store) GetAllConversationData(_ context.Context, convID string) (*model.ConversationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	meta := c.meta
	meta.Participants = append([]model.Participant(nil), c.meta.Participants...)
	return &model.ConversationData{
		Meta:    meta,
		Backlog: append([]model.FanoutMsg(nil), c.backlog...),
	}, nil
}

func (s *Store) PutBlock(_ context.Context, b model.ReplicaBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.replicas[b.UserKey] {
		if r.block.ID == b.ID {
			return nil
		}
	}
	s.replicas[b.UserKey] = append(s.replicas[b.UserKey], &replica{block: b})
	return nil
}

func (s *Store) PendingBlocks(_ context.Context, userRoot keyring.PublicKey) ([]model.ReplicaBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReplicaBlock
	for _, r := range s.replicas[userRoot] {
		if !r.delivered {
			out = append(out, r.block)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) AckBlocks(_ context.Context, userRoot keyring.PublicKey, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, r := range s.replicas[userRoot] {
		if want[r.block.ID] {
			r.delivered = true
		}
	}
	return nil
}

func (s *Store) UpsertPeer(_ context.Context, p model.ServerPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.Key] = p.URL
	return nil
}

func (s *Store) ListPeers(_ context.Context) ([]model.ServerPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ServerPeer, 0, len(s.peers))
	for k, u := range s.peers {
		out = append(out, model.ServerPeer{Key: k, URL: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
