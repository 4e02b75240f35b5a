package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies template management failures so callers can react
// to them without inspecting messages.
type ErrorCategory string

const (
	ErrorCategoryArchiveCorruption      ErrorCategory = "archive_corruption"
	ErrorCategoryTemplateParse          ErrorCategory = "template_parse"
	ErrorCategoryImageTooLarge          ErrorCategory = "image_too_large"
	ErrorCategoryImageNotFound          ErrorCategory = "image_not_found"
	ErrorCategoryImageReferenceInvalid  ErrorCategory = "image_reference_invalid"
	ErrorCategoryRegistryAuthentication ErrorCategory = "registry_authentication"
	ErrorCategoryCollectionSizeExceeded ErrorCategory = "collection_size_exceeded"
	ErrorCategoryProviderFailure        ErrorCategory = "provider_failure"
	ErrorCategoryToolFailure            ErrorCategory = "tool_failure"
	ErrorCategoryManifest               ErrorCategory = "manifest"
	ErrorCategoryConfiguration          ErrorCategory = "configuration"
	ErrorCategoryFilesystem             ErrorCategory = "filesystem"
	ErrorCategoryNetwork                ErrorCategory = "network"
	ErrorCategoryUnknown                ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// TemplateError is the error type returned by every package of the module.
type TemplateError struct {
	Category   ErrorCategory          `json:"category"`
	Severity   ErrorSeverity          `json:"severity"`
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Cause      error                  `json:"-"`
	Operation  string                 `json:"operation,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Retryable  bool                   `json:"retryable"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Error implements the error interface
func (e *TemplateError) Error() string {
	var sb strings.Builder
	if e.Operation != "" {
		fmt.Fprintf(&sb, "[%s] %s: %s", e.Category, e.Operation, e.Message)
	} else {
		fmt.Fprintf(&sb, "[%s] %s", e.Category, e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying error
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error might succeed on retry
func (e *TemplateError) IsRetryable() bool {
	return e.Retryable
}

// GetUserFriendlyMessage returns the message and cause followed by the
// suggestion, without category or operation.
func (e *TemplateError) GetUserFriendlyMessage() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct TemplateError instances with proper categorization
type ErrorBuilder struct {
	category   ErrorCategory
	severity   ErrorSeverity
	code       string
	message    string
	cause      error
	operation  string
	retryable  *bool
	suggestion string
	metadata   map[string]interface{}
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		metadata: make(map[string]interface{}),
	}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Severity sets the error severity
func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// Code sets the error code
func (b *ErrorBuilder) Code(code string) *ErrorBuilder {
	b.code = code
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Retryable overrides the category default
func (b *ErrorBuilder) Retryable(retryable bool) *ErrorBuilder {
	b.retryable = &retryable
	return b
}

// Suggestion sets a user-friendly suggestion
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Metadata adds metadata to the error
func (b *ErrorBuilder) Metadata(key string, value interface{}) *ErrorBuilder {
	b.metadata[key] = value
	return b
}

// Build creates the TemplateError instance
func (b *ErrorBuilder) Build() *TemplateError {
	if b.category == "" {
		b.category = categorizeError(b.message, b.operation)
	}

	if b.severity == "" {
		b.severity = determineSeverity(b.category)
	}

	retryable := isRetryableCategory(b.category)
	if b.retryable != nil {
		retryable = *b.retryable
	}

	return &TemplateError{
		Category:   b.category,
		Severity:   b.severity,
		Code:       b.code,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Timestamp:  time.Now(),
		Retryable:  retryable,
		Suggestion: b.suggestion,
		Metadata:   b.metadata,
	}
}

// categorizeError guesses a category for errors built without one
func categorizeError(message, operation string) ErrorCategory {
	msgLower := strings.ToLower(message)
	opLower := strings.ToLower(operation)

	if strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "credential") {
		return ErrorCategoryRegistryAuthentication
	}

	switch {
	case strings.Contains(opLower, "manifest"):
		return ErrorCategoryManifest
	case strings.Contains(opLower, "extract"):
		return ErrorCategoryArchiveCorruption
	case strings.Contains(opLower, "config"):
		return ErrorCategoryConfiguration
	}

	switch {
	case strings.Contains(msgLower, "network") || strings.Contains(msgLower, "connection") || strings.Contains(msgLower, "timeout"):
		return ErrorCategoryNetwork
	case strings.Contains(msgLower, "file") || strings.Contains(msgLower, "directory") || strings.Contains(msgLower, "no such"):
		return ErrorCategoryFilesystem
	default:
		return ErrorCategoryUnknown
	}
}

func determineSeverity(category ErrorCategory) ErrorSeverity {
	switch category {
	case ErrorCategoryRegistryAuthentication, ErrorCategoryImageReferenceInvalid, ErrorCategoryConfiguration:
		return ErrorSeverityCritical
	case ErrorCategoryArchiveCorruption, ErrorCategoryTemplateParse, ErrorCategoryImageTooLarge,
		ErrorCategoryCollectionSizeExceeded, ErrorCategoryImageNotFound, ErrorCategoryManifest:
		return ErrorSeverityHigh
	case ErrorCategoryNetwork, ErrorCategoryProviderFailure, ErrorCategoryToolFailure, ErrorCategoryFilesystem:
		return ErrorSeverityMedium
	default:
		return ErrorSeverityLow
	}
}

// isRetryableCategory reports whether an attempt failing with the category
// is worth repeating. Content and identity errors never change on retry.
func isRetryableCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryNetwork, ErrorCategoryProviderFailure, ErrorCategoryToolFailure, ErrorCategoryUnknown:
		return true
	default:
		return false
	}
}

// CategoryOf returns the category of the first TemplateError in err's chain,
// or ErrorCategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	var te *TemplateError
	if stderrors.As(err, &te) {
		return te.Category
	}
	return ErrorCategoryUnknown
}

// Is reports whether any TemplateError in err's chain has the category.
func Is(err error, category ErrorCategory) bool {
	for err != nil {
		var te *TemplateError
		if !stderrors.As(err, &te) {
			return false
		}
		if te.Category == category {
			return true
		}
		err = te.Cause
	}
	return false
}

func newCategoryError(category ErrorCategory, operation, message string, cause error, suggestion string) *TemplateError {
	return NewErrorBuilder().
		Category(category).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion(suggestion).
		Build()
}

// NewArchiveCorruptionError reports a layer payload that is not a valid compressed tar stream.
func NewArchiveCorruptionError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryArchiveCorruption, operation, message, cause,
		"Republish the layer as a gzip compressed tar archive")
}

// NewTemplateParseError reports a template that does not compile.
func NewTemplateParseError(name string, cause error) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryTemplateParse).
		Operation("parse_template").
		Messagef("failed to parse template %q", name).
		Cause(cause).
		Metadata("template", name).
		Suggestion("Fix the template syntax and republish the collection").
		Build()
}

// NewImageTooLargeError reports a registry image crossing the size quota.
func NewImageTooLargeError(reference string, limit int64) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryImageTooLarge).
		Operation("pull_image").
		Messagef("image %s exceeds the size limit of %d bytes", reference, limit).
		Metadata("reference", reference).
		Metadata("limit_bytes", limit).
		Suggestion("Reduce the number of templates or raise the collection size limit").
		Build()
}

// NewImageNotFoundError reports a reference that resolves to nothing.
func NewImageNotFoundError(reference string, cause error) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryImageNotFound).
		Operation("pull_image").
		Messagef("image %s not found", reference).
		Cause(cause).
		Metadata("reference", reference).
		Suggestion("Check the repository name and tag or digest").
		Build()
}

// NewImageReferenceError reports a reference that violates the grammar.
func NewImageReferenceError(reference, message string, cause error) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryImageReferenceInvalid).
		Operation("parse_reference").
		Messagef("invalid image reference %q: %s", reference, message).
		Cause(cause).
		Metadata("reference", reference).
		Suggestion("Use registry/repository[:tag] or registry/repository@digest").
		Build()
}

// NewAuthError reports a rejected or missing registry credential.
func NewAuthError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryRegistryAuthentication, operation, message, cause,
		"Verify registry credentials and permissions")
}

// NewCollectionSizeExceededError reports a storage collection crossing the size quota.
func NewCollectionSizeExceededError(location string, limit int64) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryCollectionSizeExceeded).
		Operation("load_collection").
		Messagef("template collection at %s exceeds the size limit of %d bytes", location, limit).
		Metadata("location", location).
		Metadata("limit_bytes", limit).
		Suggestion("Reduce the number of templates or raise the collection size limit").
		Build()
}

// NewProviderError wraps an unexpected storage or transport failure of a provider kind.
func NewProviderError(provider, operation string, cause error) *TemplateError {
	return NewErrorBuilder().
		Category(ErrorCategoryProviderFailure).
		Code(provider).
		Operation(operation).
		Messagef("%s template provider failed", provider).
		Cause(cause).
		Metadata("provider", provider).
		Suggestion("Check storage connectivity and credentials").
		Build()
}

// NewToolFailureError reports registry tool output carrying no usable result.
func NewToolFailureError(operation, message string) *TemplateError {
	return newCategoryError(ErrorCategoryToolFailure, operation, message, nil, "")
}

// NewManifestError reports a manifest that does not describe the given layers.
func NewManifestError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryManifest, operation, message, cause, "")
}

// NewConfigurationError reports invalid or unsupported configuration.
func NewConfigurationError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryConfiguration, operation, message, cause,
		"Check the template hosting configuration")
}

// NewFilesystemError creates a filesystem-related error
func NewFilesystemError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryFilesystem, operation, message, cause,
		"Check file paths and permissions")
}

// NewNetworkError creates a network-related error
func NewNetworkError(operation, message string, cause error) *TemplateError {
	return newCategoryError(ErrorCategoryNetwork, operation, message, cause,
		"Check network connectivity and retry")
}

// WrapError wraps an existing error with TemplateError categorization
func WrapError(err error, operation string) *TemplateError {
	if err == nil {
		return nil
	}

	var te *TemplateError
	if stderrors.As(err, &te) {
		return te
	}

	return NewErrorBuilder().
		Message(err.Error()).
		Cause(err).
		Operation(operation).
		Build()
}

// ErrorCollector collects multiple errors during validation
type ErrorCollector struct {
	errors   []*TemplateError
	warnings []string
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors:   make([]*TemplateError, 0),
		warnings: make([]string, 0),
	}
}

// AddError adds an error to the collector
func (c *ErrorCollector) AddError(err *TemplateError) {
	if err != nil {
		c.errors = append(c.errors, err)
	}
}

// AddWarning adds a warning to the collector
func (c *ErrorCollector) AddWarning(message string) {
	c.warnings = append(c.warnings, message)
}

// HasErrors returns true if there are any errors
func (c *ErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// GetWarnings returns all collected warnings
func (c *ErrorCollector) GetWarnings() []string {
	return c.warnings
}

// ToError converts the collector to a single error if there are errors.
// The composite keeps the category of the first error.
func (c *ErrorCollector) ToError() error {
	if !c.HasErrors() {
		return nil
	}

	if len(c.errors) == 1 {
		return c.errors[0]
	}

	messages := make([]string, len(c.errors))
	for i, err := range c.errors {
		messages[i] = err.Error()
	}

	return NewErrorBuilder().
		Category(c.errors[0].Category).
		Severity(ErrorSeverityHigh).
		Operation(c.errors[0].Operation).
		Message(fmt.Sprintf("multiple errors occurred: %s", strings.Join(messages, "; "))).
		Cause(c.errors[0]).
		Build()
}
