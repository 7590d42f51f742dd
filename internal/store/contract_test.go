package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"studentvc/internal/verify"
	"studentvc/pkg/platform/sentinel"
)

var contractNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// ContractSuite is the behaviour every Backend must show. Backend specific
// suites embed it and set newBackend.
type ContractSuite struct {
	suite.Suite
	ctx        context.Context
	newBackend func(clock Clock) Backend
	store      Backend
}

func (s *ContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newBackend(func() time.Time { return contractNow })
}

func (s *ContractSuite) TestGetUnknownSubject() {
	_, err := s.store.Get(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContractSuite) TestPutAndGet() {
	rec, err := s.store.Put(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)
	s.Equal("S1", rec.SubjectID)
	s.Equal("tok-1", rec.Token)
	s.Equal(StatusActive, rec.Status)
	s.True(contractNow.Equal(rec.IssuedAt))
	s.Nil(rec.StatusUpdatedAt)
	s.EqualValues(1, rec.Version)

	got, err := s.store.Get(s.ctx, "S1")
	s.Require().NoError(err)
	s.Equal(rec.Token, got.Token)
	s.Equal(rec.Status, got.Status)
	s.EqualValues(1, got.Version)
}

func (s *ContractSuite) TestPutOverwrites() {
	_, err := s.store.Put(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)
	_, err = s.store.SetStatus(s.ctx, "S1", StatusRevoked)
	s.Require().NoError(err)

	rec, err := s.store.Put(s.ctx, "S1", "tok-2", StatusActive)
	s.Require().NoError(err)
	s.Equal("tok-2", rec.Token)
	s.Equal(StatusActive, rec.Status)
	s.Nil(rec.StatusUpdatedAt)
	s.EqualValues(3, rec.Version)

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 1, "at most one record per subject")
}

func (s *ContractSuite) TestInsertRefusesExisting() {
	_, err := s.store.Insert(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, "S1", "tok-2", StatusActive)
	s.ErrorIs(err, sentinel.ErrConflict)

	got, err := s.store.Get(s.ctx, "S1")
	s.Require().NoError(err)
	s.Equal("tok-1", got.Token)
}

func (s *ContractSuite) TestSetStatus() {
	ok, err := s.store.SetStatus(s.ctx, "missing", StatusRevoked)
	s.Require().NoError(err)
	s.False(ok)

	_, err = s.store.Put(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)

	ok, err = s.store.SetStatus(s.ctx, "S1", StatusRevoked)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.store.Get(s.ctx, "S1")
	s.Require().NoError(err)
	s.Equal(StatusRevoked, got.Status)
	s.Require().NotNil(got.StatusUpdatedAt)
	s.True(contractNow.Equal(*got.StatusUpdatedAt))
	s.EqualValues(2, got.Version)
	s.Equal("tok-1", got.Token)
}

func (s *ContractSuite) TestRejectsInvalidInput() {
	_, err := s.store.Put(s.ctx, "S1", "tok", Status("suspended"))
	s.ErrorIs(err, ErrInvalidStatus)
	_, err = s.store.SetStatus(s.ctx, "S1", Status(""))
	s.ErrorIs(err, ErrInvalidStatus)
	_, err = s.store.Put(s.ctx, "", "tok", StatusActive)
	s.Error(err)
}

func (s *ContractSuite) TestList() {
	for _, id := range []string{"S1", "S2", "did:example:S3"} {
		_, err := s.store.Put(s.ctx, id, "tok-"+id, StatusActive)
		s.Require().NoError(err)
	}

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	ids := make([]string, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.SubjectID)
	}
	sort.Strings(ids)
	s.Equal([]string{"S1", "S2", "did:example:S3"}, ids)
}

func (s *ContractSuite) TestSetStatusMany() {
	for _, id := range []string{"S1", "S2"} {
		_, err := s.store.Put(s.ctx, id, "tok-"+id, StatusActive)
		s.Require().NoError(err)
	}

	updated, err := s.store.SetStatusMany(s.ctx, []string{"S1", "missing", "S2"}, StatusRevoked)
	s.Require().NoError(err)
	sort.Strings(updated)
	s.Equal([]string{"S1", "S2"}, updated)

	for _, id := range updated {
		rec, err := s.store.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(StatusRevoked, rec.Status)
	}
}

func (s *ContractSuite) TestConcurrentStatusUpdatesAreNotLost() {
	_, err := s.store.Put(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := StatusRevoked
			if i%2 == 0 {
				status = StatusActive
			}
			if _, err := s.store.SetStatus(s.ctx, "S1", status); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	rec, err := s.store.Get(s.ctx, "S1")
	s.Require().NoError(err)
	s.EqualValues(1+writers, rec.Version, "every status write must be applied exactly once")
}

func (s *ContractSuite) TestConcurrentInsertHasOneWinner() {
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Insert(s.ctx, "S1", fmt.Sprintf("tok-%d", i), StatusActive)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, sentinel.ErrConflict):
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, wins)
}

func (s *ContractSuite) TestStatusResolver() {
	const issuer = "did:key:z6MkIssuer"
	resolver := StatusResolver(s.store, issuer)
	query := func(subject string) verify.StatusQuery {
		return verify.StatusQuery{Issuer: issuer, Subject: subject}
	}

	st, err := resolver.ResolveStatus(s.ctx, query("missing"))
	s.Require().NoError(err)
	s.Equal(verify.StatusUnknown, st)

	_, err = s.store.Put(s.ctx, "S1", "tok-1", StatusActive)
	s.Require().NoError(err)
	st, err = resolver.ResolveStatus(s.ctx, query("S1"))
	s.Require().NoError(err)
	s.Equal(verify.StatusActive, st)

	st, err = resolver.ResolveStatus(s.ctx, verify.StatusQuery{Issuer: "did:key:z6MkOther", Subject: "S1"})
	s.Require().NoError(err)
	s.Equal(verify.StatusUnknown, st, "another issuer's token never reads this store")

	_, err = s.store.SetStatus(s.ctx, "S1", StatusRevoked)
	s.Require().NoError(err)
	st, err = resolver.ResolveStatus(s.ctx, query("S1"))
	s.Require().NoError(err)
	s.Equal(verify.StatusRevoked, st)
}
