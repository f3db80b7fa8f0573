package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/foremanlabs/foreman/pkg/models"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"nil", nil, ""},
		{"classified", E(models.KindToolTimeout, "tools.invoke"), models.KindToolTimeout},
		{"wrapped classified", fmt.Errorf("outer: %w", E(models.KindWorkerTimeout, "worker.run")), models.KindWorkerTimeout},
		{"context canceled", context.Canceled, models.KindCancelled},
		{"deadline", context.DeadlineExceeded, models.KindToolTimeout},
		{"plain", errors.New("boom"), models.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_PreservesExistingKind(t *testing.T) {
	orig := E(models.KindConnectorUnavailable, "tools.http_fetch", "upstream 503")
	got := Classify(models.KindInternal, "engine.iterate", orig)
	if KindOf(got) != models.KindConnectorUnavailable {
		t.Errorf("Classify rewrote kind: %q", KindOf(got))
	}
}

func TestClassify_WrapsPlain(t *testing.T) {
	err := Classify(models.KindToolExecutionError, "tools.invoke", errors.New("boom"))
	if KindOf(err) != models.KindToolExecutionError {
		t.Errorf("KindOf() = %q", KindOf(err))
	}
	if !errors.Is(err, err) {
		t.Error("errors.Is identity failed")
	}
}

func TestError_Message(t *testing.T) {
	err := Errorf(models.KindIterationLimit, "engine.loop", "exceeded %d iterations", 25)
	want := "[iteration_limit] engine.loop: exceeded 25 iterations"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(models.KindLLMTransportError, "provider.complete")) {
		t.Error("transport errors should be retryable")
	}
	if Retryable(E(models.KindLLMInvalidResponse, "provider.complete")) {
		t.Error("invalid responses should not be retryable")
	}
}
