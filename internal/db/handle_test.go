package db

import (
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient_PgErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"40P01", true},
		{"08006", true},
		{"23505", false}, // unique_violation, permanent
		{"22P02", false}, // invalid_text_representation, permanent
	}
	for _, c := range cases {
		err := &pgconn.PgError{Code: c.code}
		if got := isTransient(err); got != c.want {
			t.Errorf("isTransient(code=%s) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestIsTransient_NetError(t *testing.T) {
	err := &net.DNSError{IsTimeout: true}
	if !isTransient(err) {
		t.Error("expected net.Error to be classified transient")
	}
}

func TestIsTransient_WrappedPermanent(t *testing.T) {
	err := errors.New("some unrelated failure")
	if isTransient(err) {
		t.Error("expected unrelated error to be classified permanent")
	}
}
