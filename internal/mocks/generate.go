// Package mocks provides mock implementations for testing the pagesentry job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, ReserveNext, WaitForNotification, Heartbeat, Complete,
// Fail, Stats, List, Delete, DeleteByPayloadField
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/pagesentry/pagesentry/internal/core JobRepository

// Generate mock for EventRepository interface from internal/core package.
// This creates MockEventRepository with methods for all EventRepository interface methods:
// BulkInsert, BulkInsertWithProcessingFlags, ListByJob, CountByJob, GetByIDs,
// ListUnprocessedIDsByJob, MarkProcessedByIDs
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=event_repository_mock.go github.com/pagesentry/pagesentry/internal/core EventRepository

// Generate mock for JobResultRepository interface from internal/core package.
// This creates MockJobResultRepository with methods for all JobResultRepository interface methods:
// Upsert, GetByJobID, ListByType
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_result_repository_mock.go github.com/pagesentry/pagesentry/internal/core JobResultRepository
