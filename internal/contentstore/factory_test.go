package contentstore

import (
	"context"
	"fmt"
	"testing"

	"catalyst-go/internal/config"
	"catalyst-go/internal/encryption"
)

func TestNewContentStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		cipher  encryption.Cipher
		want    string
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: "memory"}, want: "*contentstore.MemoryStore"},
		{name: "filesystem", cfg: config.StorageConfig{Type: "filesystem", Root: t.TempDir()}, want: "*contentstore.FileSystemStore"},
		{name: "filesystem without root", cfg: config.StorageConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.StorageConfig{Type: "s3"}, wantErr: true},
		{name: "encrypted", cfg: config.StorageConfig{Type: "memory", Encrypted: true}, cipher: encryption.TestCipher{}, want: "*contentstore.EncryptedStore"},
		{name: "encrypted without key", cfg: config.StorageConfig{Type: "memory", Encrypted: true}, wantErr: true},
		{name: "unknown", cfg: config.StorageConfig{Type: "tape"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewContentStoreFromConfig(context.Background(), tt.cfg, tt.cipher)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if typ := typeName(got); typ != tt.want {
				t.Errorf("type = %s, want %s", typ, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
