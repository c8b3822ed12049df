// Package store persists blocks in SQLite and serves as the node's chain
// collaborator.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"shardnet/internal/chain"
	"shardnet/internal/debuglog"
	"shardnet/internal/proto"
)

// MaxBodySize bounds the body of a block the store accepts.
const MaxBodySize = proto.MaxFrameSize / 4

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
  hash BLOB PRIMARY KEY,
  chain INTEGER NOT NULL,
  height INTEGER NOT NULL,
  parent BLOB NOT NULL,
  body_hash BLOB NOT NULL,
  time INTEGER NOT NULL,
  body BLOB NOT NULL,
  UNIQUE (chain, height)
);`

const blockColumns = `chain, height, parent, body_hash, time, body`

var ErrNotNext = errors.New("store: block does not extend head")

// BlockStore keeps one linear history per chain. Apply only accepts the
// direct child of the current head.
type BlockStore struct {
	db  *sql.DB
	log *zap.Logger

	mu    sync.Mutex
	heads map[chain.ChainID]chain.Head
}

func Open(path string, log *zap.Logger) (*BlockStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA synchronous=NORMAL`, schema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &BlockStore{
		db:    db,
		log:   debuglog.OrNop(log).Named("store"),
		heads: make(map[chain.ChainID]chain.Head),
	}, nil
}

func (s *BlockStore) Close() error {
	return s.db.Close()
}

func (s *BlockStore) ValidateBlock(b chain.Block) bool {
	return b.Header.Height > 0 && len(b.Body) <= MaxBodySize && b.CheckBody() == nil
}

func (s *BlockStore) ValidateTransaction(tx []byte) bool {
	return len(tx) > 0 && len(tx) <= proto.MaxTxSize
}

func (s *BlockStore) Apply(b chain.Block) error {
	if !s.ValidateBlock(b) {
		return fmt.Errorf("store: invalid block at height %d", b.Header.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := b.Header.Chain
	head, err := s.headLocked(c)
	if err != nil {
		return err
	}
	if !b.Header.Links(head) {
		return ErrNotNext
	}
	hash := b.Hash()
	h := b.Header
	_, err = s.db.Exec(`INSERT INTO blocks (hash, `+blockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		hash[:], int64(h.Chain), int64(h.Height), h.Parent[:], h.BodyHash[:], h.Time, b.Body)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	s.heads[c] = chain.Head{Height: h.Height, Hash: hash}
	return nil
}

func (s *BlockStore) GetBlock(h chain.Hash) (chain.Block, bool) {
	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks WHERE hash = ?`, h[:])
	return s.scanBlock(row)
}

func (s *BlockStore) BlockAt(c chain.ChainID, height uint64) (chain.Block, bool) {
	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks WHERE chain = ? AND height = ?`, int64(c), int64(height))
	return s.scanBlock(row)
}

func (s *BlockStore) LocalHead(c chain.ChainID) chain.Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, err := s.headLocked(c)
	if err != nil {
		s.log.Warn("head lookup failed", zap.Stringer("chain", c), zap.Error(err))
	}
	return head
}

// Count returns the number of stored blocks of chain c.
func (s *BlockStore) Count(c chain.ChainID) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE chain = ?`, int64(c)).Scan(&n)
	return n, err
}

func (s *BlockStore) headLocked(c chain.ChainID) (chain.Head, error) {
	if h, ok := s.heads[c]; ok {
		return h, nil
	}
	var (
		height int64
		hash   []byte
	)
	err := s.db.QueryRow(`SELECT height, hash FROM blocks WHERE chain = ? ORDER BY height DESC LIMIT 1`, int64(c)).
		Scan(&height, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.heads[c] = chain.Head{}
		return chain.Head{}, nil
	case err != nil:
		return chain.Head{}, fmt.Errorf("query head: %w", err)
	}
	head := chain.Head{Height: uint64(height)}
	copy(head.Hash[:], hash)
	s.heads[c] = head
	return head, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *BlockStore) scanBlock(row scanner) (chain.Block, bool) {
	var (
		c, height, ts    int64
		parent, bodyHash []byte
		body             []byte
	)
	err := row.Scan(&c, &height, &parent, &bodyHash, &ts, &body)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("block lookup failed", zap.Error(err))
		}
		return chain.Block{}, false
	}
	b := chain.Block{
		Header: chain.Header{Chain: chain.ChainID(c), Height: uint64(height), Time: ts},
		Body:   body,
	}
	copy(b.Header.Parent[:], parent)
	copy(b.Header.BodyHash[:], bodyHash)
	if b.Body == nil {
		b.Body = []byte{}
	}
	return b, true
}
