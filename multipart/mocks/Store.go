package mocks

import (
	"context"

	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/stretchr/testify/mock"
)

type Store struct {
	mock.Mock
}

func (_m *Store) CreateSession(ctx context.Context, meta multipart.FileMetadata) (multipart.SessionInfo, error) {
	ret := _m.Called(ctx, meta)

	var r0 multipart.SessionInfo
	if rf, ok := ret.Get(0).(func(context.Context, multipart.FileMetadata) multipart.SessionInfo); ok {
		r0 = rf(ctx, meta)
	} else {
		r0, _ = ret.Get(0).(multipart.SessionInfo)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, multipart.FileMetadata) error); ok {
		r1 = rf(ctx, meta)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

func (_m *Store) AuthorizePart(ctx context.Context, session multipart.SessionInfo, partNumber int) (multipart.PartURL, error) {
	ret := _m.Called(ctx, session, partNumber)

	var r0 multipart.PartURL
	if rf, ok := ret.Get(0).(func(context.Context, multipart.SessionInfo, int) multipart.PartURL); ok {
		r0 = rf(ctx, session, partNumber)
	} else {
		r0, _ = ret.Get(0).(multipart.PartURL)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, multipart.SessionInfo, int) error); ok {
		r1 = rf(ctx, session, partNumber)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

func (_m *Store) CompleteSession(ctx context.Context, session multipart.SessionInfo, parts []multipart.PartResult) error {
	ret := _m.Called(ctx, session, parts)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, multipart.SessionInfo, []multipart.PartResult) error); ok {
		r0 = rf(ctx, session, parts)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

func (_m *Store) AbortSession(ctx context.Context, session multipart.SessionInfo) error {
	ret := _m.Called(ctx, session)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, multipart.SessionInfo) error); ok {
		r0 = rf(ctx, session)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

func (_m *Store) CreateSingleUpload(ctx context.Context, meta multipart.FileMetadata) (multipart.SingleUpload, error) {
	ret := _m.Called(ctx, meta)

	var r0 multipart.SingleUpload
	if rf, ok := ret.Get(0).(func(context.Context, multipart.FileMetadata) multipart.SingleUpload); ok {
		r0 = rf(ctx, meta)
	} else {
		r0, _ = ret.Get(0).(multipart.SingleUpload)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, multipart.FileMetadata) error); ok {
		r1 = rf(ctx, meta)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}
