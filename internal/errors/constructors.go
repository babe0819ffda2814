package errors

import (
	"fmt"
	"time"
)

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *BuildError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *BuildError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(field, reason string) *BuildError {
	return New(CategoryValidation, SeverityFatal, fmt.Sprintf("validation failed: %s: %s", field, reason)).
		WithContext("field", field).
		WithContext("reason", reason)
}

// NotificationRequired is returned when a pipeline is built without any
// notification channel.
func NotificationRequired() *BuildError {
	return New(CategoryConfig, SeverityFatal, "notification configuration is required").
		WithContext("field", "notification")
}

// Lock errors

// LockTimeout reports that a lock could not be acquired within timeout.
func LockTimeout(path string, timeout time.Duration) *BuildError {
	return Retryable(CategoryLock, SeverityFatal,
		fmt.Sprintf("failed to acquire lock within %s", timeout)).
		WithContext("path", path).
		WithContext("timeout", timeout.String())
}

// LockWaitTimeout reports that a lock was still held when a wait gave up.
func LockWaitTimeout(path string, timeout time.Duration) *BuildError {
	return Retryable(CategoryLock, SeverityError,
		fmt.Sprintf("lock still held after %s", timeout)).
		WithContext("path", path).
		WithContext("timeout", timeout.String())
}

func LockIOError(path string, cause error) *BuildError {
	return Wrap(cause, CategoryLock, SeverityFatal, "lock file operation failed").
		WithContext("path", path)
}

// Pipeline stage errors

// StageFailed wraps a collaborator failure for the named stage.
func StageFailed(stage string, cause error) *BuildError {
	return Wrap(cause, stageCategory(stage), SeverityFatal, stage+" stage failed").
		WithContext("stage", stage)
}

func stageCategory(stage string) ErrorCategory {
	switch stage {
	case "diff":
		return CategoryDiff
	case "test":
		return CategoryTest
	case "deploy":
		return CategoryDeploy
	case "notify":
		return CategoryNotify
	case "context", "git":
		return CategoryGit
	case "lock", "unlock":
		return CategoryLock
	default:
		return CategoryInternal
	}
}

func WorkspaceError(operation string, cause error) *BuildError {
	return Wrap(cause, CategoryFileSystem, SeverityError, "workspace operation failed").
		WithContext("operation", operation)
}

// Internal errors

func InternalError(message string, cause error) *BuildError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
