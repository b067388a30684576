package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider resolves credentials from one JSON file per company:
//
//	{dir}/{companyID}.json
//	{"cnpj": "...", "certificado": "<base64 pfx>", "senha": "..."}
//
// Files are read on every call so rotated credentials take effect without a
// restart. The decoded material is handed straight to the session and is
// never cached, persisted or logged.
type FileProvider struct {
	dir string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Credential(ctx context.Context, companyID string) (Credential, error) {
	if strings.ContainsAny(companyID, `/\`) || companyID == "" {
		return Credential{}, fmt.Errorf("invalid company identifier")
	}

	data, err := os.ReadFile(filepath.Join(p.dir, companyID+".json"))
	if err != nil {
		return Credential{}, fmt.Errorf("read credential for company: %w", err)
	}

	var raw struct {
		CNPJ        string `json:"cnpj"`
		Certificate string `json:"certificado"`
		Passphrase  string `json:"senha"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Credential{}, fmt.Errorf("parse credential file: %w", err)
	}
	if raw.CNPJ == "" || raw.Certificate == "" {
		return Credential{}, fmt.Errorf("credential file missing cnpj or certificado")
	}

	cert, err := base64.StdEncoding.DecodeString(raw.Certificate)
	if err != nil {
		return Credential{}, fmt.Errorf("decode certificado: %w", err)
	}

	return Credential{CNPJ: raw.CNPJ, Certificate: cert, Passphrase: raw.Passphrase}, nil
}
