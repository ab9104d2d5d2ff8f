package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("loading chat: %w", NotFound("chat %q not found", "abc"))
	if got := KindOf(err); got != KindNotFound {
		t.Errorf("KindOf = %q, want %q", got, KindNotFound)
	}
	if !Is(err, KindNotFound) {
		t.Error("Is(not_found) = false, want true")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %q, want %q", got, KindInternal)
	}
	if Is(nil, KindInternal) {
		t.Error("Is(nil) = true, want false")
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ModelUnavailable(cause, "model %s unavailable", "openchat")
	if !errors.Is(err, cause) {
		t.Error("errors.Is(cause) = false, want true")
	}
	if err.Error() != "model openchat unavailable: dial tcp: refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:         http.StatusNotFound,
		KindConflict:         http.StatusConflict,
		KindValidation:       http.StatusBadRequest,
		KindTemplate:         http.StatusUnprocessableEntity,
		KindUpstreamFetch:    http.StatusBadGateway,
		KindModelUnavailable: http.StatusServiceUnavailable,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestPublicMessage_HidesInternal(t *testing.T) {
	if got := PublicMessage(errors.New("sql: database is locked")); got != "internal server error" {
		t.Errorf("PublicMessage = %q", got)
	}
	if got := PublicMessage(Conflict("category %q already exists", "x")); got != `category "x" already exists` {
		t.Errorf("PublicMessage = %q", got)
	}
}
