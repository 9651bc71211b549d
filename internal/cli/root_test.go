package cli

import (
	"errors"
	"testing"

	"github.com/orca-dev/orca/internal/orcerr"
)

func TestConfigErrorCarriesConfigurationKind(t *testing.T) {
	err := configError(errors.New("missing tracker_api_key"))

	if !orcerr.Is(err, orcerr.KindConfiguration) {
		t.Fatalf("expected configError to carry KindConfiguration")
	}
	if err.Error() != "missing tracker_api_key" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestConfigErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := configError(inner)

	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped error")
	}
}

func TestConfigErrorNilIsNil(t *testing.T) {
	if configError(nil) != nil {
		t.Fatalf("expected configError(nil) to return nil")
	}
}
