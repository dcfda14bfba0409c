package main

import (
	"testing"

	"pharmapos/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", ManagerPIN: "739154"},
		{AuthSecret: strongSecret, ManagerPIN: "7391"},
		{AuthSecret: strongSecret, ManagerPIN: "123456"},
		{AuthSecret: strongSecret, ManagerPIN: "987654"},
		{AuthSecret: strongSecret, ManagerPIN: "444444"},
		{AuthSecret: strongSecret, ManagerPIN: "112233"},
		{AuthSecret: strongSecret, ManagerPIN: "73a154"},
		{AuthSecret: strongSecret, ManagerPIN: "739154", QRProviderURL: "https://qr.example", QRWebhookSecret: "short"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected config to be rejected: %+v", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}

	withQR := config.Config{
		AuthSecret:      strongSecret,
		ManagerPIN:      "482913",
		QRProviderURL:   "https://qr.example",
		QRWebhookSecret: "whsec-0123456789abcdef",
	}
	if err := validateSecurityConfig(withQR); err != nil {
		t.Fatalf("expected qr config to pass, got %v", err)
	}
}
