package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeStorageFailure, cause, "写入失败")

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable")
	}
}

func TestIsCodeThroughFmtWrap(t *testing.T) {
	base := New(CodeNotFound, "project 9 not found")
	wrapped := fmt.Errorf("analyze: %w", base)

	if !IsCode(wrapped, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND in chain")
	}
	if IsCode(wrapped, CodeValidation) {
		t.Fatalf("did not expect VALIDATION_FAILED in chain")
	}
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassInternal},
		{"plain", stdErrors.New("x"), ClassInternal},
		{"timeout", New(CodeTimeout, ""), ClassTimeout},
		{"quota", New(CodeQuotaExceeded, ""), ClassForbidden},
		{"not found beats validation", stdErrors.Join(New(CodeValidation, ""), New(CodeNotFound, "")), ClassNotFound},
		{"validation beats quota", stdErrors.Join(New(CodeQuotaExceeded, ""), New(CodeInvalidOperation, "")), ClassValidation},
		{"timeout beats unavailable", Wrap(CodeUnavailable, New(CodeTimeout, ""), ""), ClassTimeout},
		{"unavailable beats internal", Wrap(CodeInternal, New(CodeUnavailable, ""), ""), ClassUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Class: ClassValidation})

	err := New(code, "")
	if err.Error() != "[TEST_CUSTOM] custom" {
		t.Fatalf("unexpected default message: %s", err.Error())
	}
	if !err.Class().Precondition() {
		t.Fatalf("validation class should be a precondition class")
	}
	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("unknown codes should fall back to UNKNOWN attributes")
	}
}

func TestAttributesFollowCode(t *testing.T) {
	err := Wrap(CodeUnavailable, stdErrors.New("connection reset"), "invoke model",
		WithSeverity(SeverityInfo), WithMetadata("model", "gpt-4o-mini"))

	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("unavailable errors should be retryable and alerting")
	}
	if SeverityOf(err) != SeverityInfo {
		t.Fatalf("severity override lost: %s", SeverityOf(err))
	}
	if SeverityOf(New(CodeUnavailable, "")) != AttributesOf(CodeUnavailable).Severity {
		t.Fatalf("default severity should come from the registry")
	}
	if err.Metadata()["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected metadata: %v", err.Metadata())
	}

	plain := stdErrors.New("boom")
	if RetryableError(plain) || ShouldAlert(plain) || CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors carry no attributes")
	}
}
