package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"enforcer/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTransient, "delivery", "email", "send failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"delivery", "email", "send failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.FailureKind
	}{
		{"permanent", services.Wrap(services.ErrPermanent, "delivery", "email", "invalid recipient", nil), services.FailurePermanent},
		{"validation", services.Wrap(services.ErrValidation, "delivery", "email", "bad notice", nil), services.FailurePermanent},
		{"transient", services.Wrap(services.ErrTransient, "delivery", "email", "429", nil), services.FailureTransient},
		{"configuration", services.Wrap(services.ErrConfiguration, "delivery", "smtp", "no host", nil), services.FailurePermanent},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), services.FailureTransient},
		{"timeout marker", services.Wrap(services.ErrTimeout, "delivery", "webform", "form did not load", nil), services.FailureTransient},
		{"nil", nil, services.FailureTransient},
		{"unknown", errors.New("socket closed"), services.FailureTransient},
	}
	for _, tc := range cases {
		if got := services.Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestIsRejection(t *testing.T) {
	if !services.IsRejection(fmt.Errorf("x: %w", services.ErrIllegalTransition)) {
		t.Fatal("expected illegal transition to be a rejection")
	}
	if !services.IsRejection(services.ErrUnauthorized) {
		t.Fatal("expected unauthorized to be a rejection")
	}
	if services.IsRejection(services.ErrTransient) {
		t.Fatal("transient failures are not rejections")
	}
}
