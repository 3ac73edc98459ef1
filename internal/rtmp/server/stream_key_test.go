package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateStreamKey_NoExpectedKeyAcceptsAnything(t *testing.T) {
	cfg := &Config{}
	if !ValidateStreamKey(cfg, "whatever") {
		t.Fatalf("expected empty ExpectedStreamKey to accept any name")
	}
}

func TestValidateStreamKey_LiteralMatch(t *testing.T) {
	cfg := &Config{ExpectedStreamKey: "secret123"}
	if !ValidateStreamKey(cfg, "secret123") {
		t.Fatalf("expected literal match to be accepted")
	}
	if ValidateStreamKey(cfg, "wrong") {
		t.Fatalf("expected mismatched literal to be rejected")
	}
}

func TestValidateStreamKey_JWT(t *testing.T) {
	cfg := &Config{ExpectedStreamKey: "alice", StreamKeyJWTSecret: "topsecret"}

	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("topsecret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !ValidateStreamKey(cfg, signed) {
		t.Fatalf("expected valid JWT with matching subject to be accepted")
	}

	wrongClaims := jwt.RegisteredClaims{Subject: "bob", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	wrongTok := jwt.NewWithClaims(jwt.SigningMethodHS256, wrongClaims)
	wrongSigned, _ := wrongTok.SignedString([]byte("topsecret"))
	if ValidateStreamKey(cfg, wrongSigned) {
		t.Fatalf("expected JWT with mismatched subject to be rejected")
	}

	badSigTok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	badSigned, _ := badSigTok.SignedString([]byte("wrongsecret"))
	if ValidateStreamKey(cfg, badSigned) {
		t.Fatalf("expected JWT signed with wrong secret to be rejected")
	}
}

func TestValidateStreamKey_JWTDisabledFallsBackToLiteral(t *testing.T) {
	cfg := &Config{ExpectedStreamKey: "alice"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	signed, _ := tok.SignedString([]byte("anything"))
	if ValidateStreamKey(cfg, signed) {
		t.Fatalf("expected JWT-looking key to be rejected when StreamKeyJWTSecret is unset")
	}
}
