//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"registrar/internal/verification/store"
	"registrar/pkg/domain"
	"registrar/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	kvContractSuite
	pg *containers.PostgresContainer
	kv *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.pg = mgr.GetPostgres(s.T())
	s.kv = store.NewPostgresStore(s.pg.DB)
	s.Require().NoError(s.kv.Migrate(context.Background()))
	s.store = s.kv
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(context.Background(), "registrar_kv"))
}

func (s *PostgresStoreSuite) TestAtomicallyRollsBackOnError() {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.kv.Atomically(ctx, func(ctx context.Context) error {
		s.Require().NoError(s.kv.Put(ctx, "identity/alice", []byte("1")))
		return boom
	})
	s.Require().ErrorIs(err, boom)

	_, err = s.kv.Get(ctx, "identity/alice")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRepositoryArchiveWritesHistoryAndTombstone() {
	ctx := context.Background()
	repo := store.NewRepository(s.kv)
	identity := identityFixture("alice")
	identity.Archive(domain.VerdictReasonable, identity.CreatedAt)

	s.Require().NoError(repo.Archive(ctx, identity))

	history, err := repo.History(ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	found, err := repo.Find(ctx, "alice")
	s.Require().NoError(err)
	s.Equal(domain.VerdictReasonable, found.Verdict)
}

func (s *PostgresStoreSuite) TestLikeMetacharactersAreLiteral() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Put(ctx, "history/a_b/00000001", []byte("1")))
	s.Require().NoError(s.kv.Put(ctx, "history/axb/00000001", []byte("2")))

	kvs, err := s.kv.ListPrefix(ctx, "history/a_b/")
	s.Require().NoError(err)
	s.Require().Len(kvs, 1)
	s.Equal("history/a_b/00000001", kvs[0].Key)
}

func (s *PostgresStoreSuite) TestRepositoryLookupUsesBatchGet() {
	ctx := context.Background()
	repo := store.NewRepository(s.kv)
	for _, id := range []domain.IdentityID{"alice", "bob"} {
		s.Require().NoError(repo.Save(ctx, identityFixture(id)))
	}

	found, err := repo.Lookup(ctx, []domain.IdentityID{"alice", "bob", "carol"})
	s.Require().NoError(err)
	s.Len(found, 2)
}
