package sshremote

import (
	"path/filepath"
	"testing"
)

func TestBuildClientConfigRequiresAnAuthMethod(t *testing.T) {
	if _, err := buildClientConfig(Config{User: "nsh"}); err == nil {
		t.Error("expected an error when neither PrivateKeyPath nor Password is set")
	}
}

func TestBuildClientConfigPasswordAuth(t *testing.T) {
	cfg, err := buildClientConfig(Config{User: "nsh", Password: "hunter2", HostKeyCallback: "insecure"})
	if err != nil {
		t.Fatalf("buildClientConfig: %v", err)
	}
	if len(cfg.Auth) != 1 {
		t.Fatalf("Auth = %v, want exactly one method", cfg.Auth)
	}
	if cfg.User != "nsh" {
		t.Errorf("User = %q, want nsh", cfg.User)
	}
}

func TestBuildClientConfigPrivateKeyPathMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := buildClientConfig(Config{
		User:           "nsh",
		PrivateKeyPath: filepath.Join(dir, "does-not-exist"),
	})
	if err == nil {
		t.Error("expected an error for a missing private key file")
	}
}

func TestBuildClientConfigInsecureHostKeyCallback(t *testing.T) {
	cfg, err := buildClientConfig(Config{User: "nsh", Password: "x", HostKeyCallback: "insecure"})
	if err != nil {
		t.Fatalf("buildClientConfig: %v", err)
	}
	if err := cfg.HostKeyCallback("host:22", nil, nil); err != nil {
		t.Errorf("insecure HostKeyCallback rejected a key: %v", err)
	}
}

func TestBuildClientConfigKnownHostsMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := buildClientConfig(Config{
		User:           "nsh",
		Password:       "x",
		KnownHostsPath: filepath.Join(dir, "does-not-exist"),
	})
	if err == nil {
		t.Error("expected an error for a missing known_hosts file")
	}
}
